// Package transform maps normalized payloads onto canonical content records
// using declarative mapping rules.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/rules"
)

// Engine applies mapping rules with a registry of named steps.
type Engine struct {
	steps map[string]Step
}

// NewEngine creates an Engine with the built-in steps registered.
func NewEngine() *Engine {
	return &Engine{steps: builtinSteps()}
}

// Register adds or replaces a named step.
func (e *Engine) Register(name string, step Step) {
	e.steps[name] = step
}

// StepNames lists the registered step names.
func (e *Engine) StepNames() []string {
	names := make([]string, 0, len(e.steps))
	for name := range e.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every field, path and step in rule is usable.
func (e *Engine) Validate(rule rules.MappingRule) error {
	for _, f := range rule.Fields {
		if !knownField(f.Field) {
			return fmt.Errorf("%w: rule %s: unknown canonical field %q", ingest.ErrConfiguration, rule.ID(), f.Field)
		}
		if _, err := ParsePath(f.Path); err != nil {
			return fmt.Errorf("%w: rule %s: %v", ingest.ErrConfiguration, rule.ID(), err)
		}
	}
	coerced := false
	for _, name := range rule.Steps {
		if _, ok := e.steps[name]; !ok {
			return fmt.Errorf("%w: rule %s: unknown step %q", ingest.ErrConfiguration, rule.ID(), name)
		}
		if name == stepCoerceReleaseDate {
			coerced = true
		}
	}
	// Split rejects a raw release date that no step turned into a date.
	if !coerced && mapsField(rule, "releaseDate") {
		return fmt.Errorf("%w: rule %s: releaseDate is mapped without the %s step",
			ingest.ErrConfiguration, rule.ID(), stepCoerceReleaseDate)
	}
	return nil
}

func mapsField(rule rules.MappingRule, field string) bool {
	for _, f := range rule.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Transform maps payload with rule, applies the rule's steps and splits the
// result into a master record and a platform record.
func (e *Engine) Transform(payload ingest.Payload, rule rules.MappingRule) (ingest.MasterRecord, ingest.PlatformRecord, error) {
	draft, err := e.Map(payload, rule)
	if err != nil {
		return ingest.MasterRecord{}, ingest.PlatformRecord{}, err
	}
	draft, err = e.Apply(draft, rule.Steps)
	if err != nil {
		return ingest.MasterRecord{}, ingest.PlatformRecord{}, err
	}
	return Split(draft, rule)
}

// Map copies every mapped field from payload into a new draft, in rule order.
func (e *Engine) Map(payload ingest.Payload, rule rules.MappingRule) (Draft, error) {
	var d Draft
	for _, f := range rule.Fields {
		v, ok := ResolvePath(payload, f.Path)
		if !ok || empty(v) {
			if f.Required {
				return Draft{}, &ingest.ValidationError{Field: f.Field, Reason: "required field missing at " + f.Path}
			}
			continue
		}
		if f.Template != "" {
			s, err := toString(v)
			if err != nil {
				return Draft{}, &ingest.ValidationError{Field: f.Field, Reason: err.Error()}
			}
			v = strings.ReplaceAll(f.Template, "{value}", s)
		}
		if err := d.set(f.Field, v); err != nil {
			return Draft{}, err
		}
	}
	return d, nil
}

// Apply runs the named steps over d in declared order.
func (e *Engine) Apply(d Draft, names []string) (Draft, error) {
	for _, name := range names {
		step, ok := e.steps[name]
		if !ok {
			return Draft{}, fmt.Errorf("%w: unknown step %q", ingest.ErrConfiguration, name)
		}
		next, err := step(d)
		if err != nil {
			return Draft{}, fmt.Errorf("step %s: %w", name, err)
		}
		d = next
	}
	return d, nil
}

// Split divides a finished draft into its master and platform parts.
func Split(d Draft, rule rules.MappingRule) (ingest.MasterRecord, ingest.PlatformRecord, error) {
	if strings.TrimSpace(d.MasterTitle) == "" {
		return ingest.MasterRecord{}, ingest.PlatformRecord{}, &ingest.ValidationError{Field: "masterTitle", Reason: "empty after normalization"}
	}
	if strings.TrimSpace(d.ReleaseDateRaw) != "" && d.ReleaseDate == nil {
		return ingest.MasterRecord{}, ingest.PlatformRecord{}, &ingest.ValidationError{Field: "releaseDate", Reason: "not coerced to a date"}
	}
	master := ingest.MasterRecord{
		Domain:         rule.Domain,
		MasterTitle:    d.MasterTitle,
		OriginalTitle:  d.OriginalTitle,
		ReleaseDate:    d.ReleaseDate,
		PosterImageURL: d.PosterImageURL,
		Synopsis:       d.Synopsis,
	}
	platform := ingest.PlatformRecord{
		PlatformName:       rule.Platform,
		PlatformSpecificID: d.PlatformSpecificID,
		URL:                d.URL,
		Rating:             d.Rating,
		ReviewCount:        d.ReviewCount,
		Attributes:         d.clone().Attributes,
	}
	return master, platform, nil
}
