package transform

import (
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// Step is a pure transformation applied to a draft after mapping.
type Step func(Draft) (Draft, error)

// Rating bounds enforced by clamp_rating.
const (
	MinRating = 0.0
	MaxRating = 10.0
)

const stepCoerceReleaseDate = "coerce_release_date"

var bracketTags = regexp.MustCompile(`\[[^\]]*\]|【[^】]*】`)

// sourceLayouts are formats seen in catalog payloads that are checked before
// falling back to dateparse.
var sourceLayouts = []string{
	"2 Jan, 2006",
	"Jan 2006",
	"2006",
}

func builtinSteps() map[string]Step {
	return map[string]Step{
		"trim_title":             TrimTitle,
		"strip_bracket_tags":     StripBracketTags,
		"unescape_html":          UnescapeHTML,
		stepCoerceReleaseDate:    CoerceReleaseDate,
		"rating_from_percent":    RatingFromPercent,
		"clamp_rating":           ClampRating,
		"default_original_title": DefaultOriginalTitle,
	}
}

// TrimTitle trims both titles and collapses inner whitespace, including
// non-breaking spaces, into single spaces.
func TrimTitle(d Draft) (Draft, error) {
	out := d.clone()
	out.MasterTitle = collapseSpace(d.MasterTitle)
	out.OriginalTitle = collapseSpace(d.OriginalTitle)
	return out, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripBracketTags removes tags such as "[Exclusive]" from both titles. It
// leaves surrounding whitespace untouched.
func StripBracketTags(d Draft) (Draft, error) {
	out := d.clone()
	out.MasterTitle = bracketTags.ReplaceAllString(d.MasterTitle, "")
	out.OriginalTitle = bracketTags.ReplaceAllString(d.OriginalTitle, "")
	return out, nil
}

// UnescapeHTML decodes HTML entities in titles and synopsis.
func UnescapeHTML(d Draft) (Draft, error) {
	out := d.clone()
	out.MasterTitle = html.UnescapeString(d.MasterTitle)
	out.OriginalTitle = html.UnescapeString(d.OriginalTitle)
	out.Synopsis = html.UnescapeString(d.Synopsis)
	return out, nil
}

// CoerceReleaseDate parses the raw release date. A non-empty value that matches
// no known layout is a validation error.
func CoerceReleaseDate(d Draft) (Draft, error) {
	out := d.clone()
	raw := strings.TrimSpace(d.ReleaseDateRaw)
	if raw == "" {
		out.ReleaseDate = nil
		return out, nil
	}
	t, err := parseReleaseDate(raw)
	if err != nil {
		return Draft{}, &ingest.ValidationError{Field: "releaseDate", Reason: "unrecognized date " + raw}
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	out.ReleaseDate = &day
	return out, nil
}

func parseReleaseDate(raw string) (time.Time, error) {
	for _, layout := range sourceLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return dateparse.ParseIn(raw, time.UTC)
}

// RatingFromPercent rescales a 0-100 score onto the 0-10 rating scale.
func RatingFromPercent(d Draft) (Draft, error) {
	out := d.clone()
	if d.Rating != nil {
		r := *d.Rating / 10
		out.Rating = &r
	}
	return out, nil
}

// ClampRating bounds the rating to [MinRating, MaxRating] and floors a negative
// review count at zero.
func ClampRating(d Draft) (Draft, error) {
	out := d.clone()
	if d.Rating != nil {
		r := min(max(*d.Rating, MinRating), MaxRating)
		out.Rating = &r
	}
	if d.ReviewCount != nil && *d.ReviewCount < 0 {
		var zero int64
		out.ReviewCount = &zero
	}
	return out, nil
}

// DefaultOriginalTitle copies the master title when no original title was mapped.
func DefaultOriginalTitle(d Draft) (Draft, error) {
	out := d.clone()
	if strings.TrimSpace(out.OriginalTitle) == "" {
		out.OriginalTitle = d.MasterTitle
	}
	return out, nil
}
