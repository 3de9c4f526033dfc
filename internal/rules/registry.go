package rules

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

//go:embed defaults/*.yaml
var defaults embed.FS

type ruleKey struct {
	platform string
	domain   ingest.Domain
}

// Registry holds loaded rules and resolves the newest one per platform and domain.
type Registry struct {
	rules map[ruleKey][]MappingRule
}

// NewRegistry indexes rules. Later rules replace earlier ones with the same ID.
func NewRegistry(rules ...MappingRule) *Registry {
	r := &Registry{rules: make(map[ruleKey][]MappingRule)}
	for _, rule := range rules {
		k := ruleKey{platform: rule.Platform, domain: rule.Domain}
		versions := r.rules[k]
		replaced := false
		for i := range versions {
			if versions[i].SchemaVersion == rule.SchemaVersion {
				versions[i] = rule.Clone()
				replaced = true
			}
		}
		if !replaced {
			versions = append(versions, rule.Clone())
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i].SchemaVersion > versions[j].SchemaVersion })
		r.rules[k] = versions
	}
	return r
}

// Lookup returns the highest schema version for platform and domain.
func (r *Registry) Lookup(platform string, domain ingest.Domain) (MappingRule, error) {
	versions := r.rules[ruleKey{platform: strings.ToUpper(platform), domain: domain}]
	if len(versions) == 0 {
		return MappingRule{}, fmt.Errorf("%w: %s/%s", ingest.ErrRuleNotFound, platform, domain)
	}
	return versions[0].Clone(), nil
}

// Latest returns the newest version of every rule, ordered by platform.
func (r *Registry) Latest() []MappingRule {
	out := make([]MappingRule, 0, len(r.rules))
	for _, versions := range r.rules {
		out = append(out, versions[0].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LoadFS reads every .yaml and .yml file under fsys.
func LoadFS(fsys fs.FS) ([]MappingRule, error) {
	var out []MappingRule
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch path.Ext(p) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		parsed, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, parsed...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return out, nil
}

// Load builds a Registry from the built-in rules overlaid with those in dir.
// An empty dir loads only the built-in rules.
func Load(dir string) (*Registry, error) {
	builtin, err := fs.Sub(defaults, "defaults")
	if err != nil {
		return nil, fmt.Errorf("open built-in rules: %w", err)
	}
	all, err := LoadFS(builtin)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: rules dir: %v", ingest.ErrConfiguration, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: rules dir %s is not a directory", ingest.ErrConfiguration, dir)
		}
		custom, err := LoadFS(os.DirFS(dir))
		if err != nil {
			return nil, err
		}
		all = append(all, custom...)
	}
	return NewRegistry(all...), nil
}
