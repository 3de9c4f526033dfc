// Package rules loads declarative mapping rules that translate raw source
// payloads into canonical content fields.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// FieldMapping copies the value found at Path into the canonical Field.
type FieldMapping struct {
	Field    string `yaml:"field"`
	Path     string `yaml:"path"`
	Required bool   `yaml:"required"`
	// Template wraps a scalar value, replacing "{value}"; used to absolutize relative URLs.
	Template string `yaml:"template,omitempty"`
}

// MappingRule describes how one platform's payloads map into one domain.
type MappingRule struct {
	Platform      string        `yaml:"platform"`
	Domain        ingest.Domain `yaml:"domain"`
	SchemaVersion int           `yaml:"schemaVersion"`
	// Flatten lists object arrays to reduce to strings before mapping: path -> key.
	Flatten map[string]string `yaml:"flatten,omitempty"`
	Fields  []FieldMapping    `yaml:"fields"`
	Steps   []string          `yaml:"steps,omitempty"`
}

// ID renders the identifying triple of the rule.
func (r MappingRule) ID() string {
	return fmt.Sprintf("%s/%s@v%d", r.Platform, r.Domain, r.SchemaVersion)
}

// Clone returns a deep copy so callers cannot alter a loaded rule.
func (r MappingRule) Clone() MappingRule {
	out := r
	out.Fields = append([]FieldMapping(nil), r.Fields...)
	out.Steps = append([]string(nil), r.Steps...)
	if r.Flatten != nil {
		out.Flatten = make(map[string]string, len(r.Flatten))
		for k, v := range r.Flatten {
			out.Flatten[k] = v
		}
	}
	return out
}

// Parse decodes every YAML document in data into a MappingRule.
func Parse(data []byte) ([]MappingRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []MappingRule
	for {
		var rule MappingRule
		err := dec.Decode(&rule)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		rule.Platform = strings.ToUpper(strings.TrimSpace(rule.Platform))
		rule.Domain = ingest.Domain(strings.ToUpper(string(rule.Domain)))
		if err := check(rule); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func check(r MappingRule) error {
	if r.Platform == "" {
		return fmt.Errorf("%w: rule platform is required", ingest.ErrConfiguration)
	}
	if !r.Domain.Valid() {
		return fmt.Errorf("%w: rule %s has unknown domain %q", ingest.ErrConfiguration, r.Platform, r.Domain)
	}
	if r.SchemaVersion <= 0 {
		return fmt.Errorf("%w: rule %s schemaVersion must be > 0", ingest.ErrConfiguration, r.ID())
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("%w: rule %s has no fields", ingest.ErrConfiguration, r.ID())
	}
	for i, f := range r.Fields {
		if f.Field == "" || f.Path == "" {
			return fmt.Errorf("%w: rule %s field %d needs both field and path", ingest.ErrConfiguration, r.ID(), i)
		}
	}
	return nil
}
