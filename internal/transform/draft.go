package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// Draft is the canonical working form of a payload between mapping and splitting.
type Draft struct {
	MasterTitle        string
	OriginalTitle      string
	ReleaseDateRaw     string
	ReleaseDate        *time.Time
	PosterImageURL     string
	Synopsis           string
	Rating             *float64
	ReviewCount        *int64
	PlatformSpecificID string
	URL                string
	Attributes         map[string]any
}

// clone copies d so a step can modify the result without touching its input.
func (d Draft) clone() Draft {
	out := d
	if d.Attributes != nil {
		out.Attributes = make(map[string]any, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

const attributePrefix = "attributes."

type setter func(d *Draft, v any) error

// canonicalFields is the closed table of mappable fields, excluding attributes.<key>.
var canonicalFields = map[string]setter{
	"masterTitle":        stringSetter(func(d *Draft) *string { return &d.MasterTitle }),
	"originalTitle":      stringSetter(func(d *Draft) *string { return &d.OriginalTitle }),
	"releaseDate":        stringSetter(func(d *Draft) *string { return &d.ReleaseDateRaw }),
	"posterImageUrl":     stringSetter(func(d *Draft) *string { return &d.PosterImageURL }),
	"synopsis":           stringSetter(func(d *Draft) *string { return &d.Synopsis }),
	"platformSpecificId": stringSetter(func(d *Draft) *string { return &d.PlatformSpecificID }),
	"url":                stringSetter(func(d *Draft) *string { return &d.URL }),
	"rating": func(d *Draft, v any) error {
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		d.Rating = &f
		return nil
	},
	"reviewCount": func(d *Draft, v any) error {
		n, err := toInt(v)
		if err != nil {
			return err
		}
		d.ReviewCount = &n
		return nil
	},
}

// knownField reports whether name is a mappable canonical field.
func knownField(name string) bool {
	if strings.HasPrefix(name, attributePrefix) {
		return len(name) > len(attributePrefix)
	}
	_, ok := canonicalFields[name]
	return ok
}

func (d *Draft) set(field string, v any) error {
	if strings.HasPrefix(field, attributePrefix) {
		if d.Attributes == nil {
			d.Attributes = make(map[string]any)
		}
		d.Attributes[strings.TrimPrefix(field, attributePrefix)] = v
		return nil
	}
	set, ok := canonicalFields[field]
	if !ok {
		return fmt.Errorf("%w: unknown canonical field %q", ingest.ErrConfiguration, field)
	}
	if err := set(d, v); err != nil {
		return &ingest.ValidationError{Field: field, Reason: err.Error()}
	}
	return nil
}

func stringSetter(target func(d *Draft) *string) setter {
	return func(d *Draft, v any) error {
		s, err := toString(v)
		if err != nil {
			return err
		}
		*target(d) = s
		return nil
	}
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("expected a scalar, got %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected an integer, got %v", t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// empty reports whether a resolved value counts as absent for required fields.
func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
