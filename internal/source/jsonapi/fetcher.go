// Package jsonapi adapts JSON catalog APIs to the ingest.Fetcher contract.
//
// A source is described entirely by configuration: a list endpoint and the
// path of the target keys inside its response, and a detail endpoint with an
// {id} placeholder plus the path of the item inside its response.
package jsonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/transform"
)

const (
	idPlaceholder     = "{id}"
	sourcePlaceholder = "{source}"
)

// Getter performs HTTP GET requests.
type Getter interface {
	Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error)
}

// Config describes one catalog API.
type Config struct {
	ListURL  string
	ListPath string
	// DetailURL must contain {id}; the target key is query-escaped into it.
	DetailURL string
	// DetailPath and SuccessPath may contain {id}, replaced by the raw target key.
	DetailPath  string
	SuccessPath string
	Headers     map[string]string
}

// Fetcher reads target keys and item payloads from a JSON API.
type Fetcher struct {
	client Getter
	cfg    Config
}

// New constructs a Fetcher.
func New(client Getter, cfg Config) (*Fetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if !strings.Contains(cfg.DetailURL, idPlaceholder) {
		return nil, fmt.Errorf("%w: detail url %q lacks %s", ingest.ErrConfiguration, cfg.DetailURL, idPlaceholder)
	}
	for _, p := range []string{cfg.ListPath, cfg.DetailPath, cfg.SuccessPath} {
		if p == "" {
			continue
		}
		if _, err := transform.ParsePath(strings.ReplaceAll(p, idPlaceholder, "0")); err != nil {
			return nil, fmt.Errorf("%w: %v", ingest.ErrConfiguration, err)
		}
	}
	return &Fetcher{client: client, cfg: cfg}, nil
}

// FetchList returns the target keys currently listed by the source.
func (f *Fetcher) FetchList(ctx context.Context, sourceKey string) ([]string, error) {
	if f.cfg.ListURL == "" {
		return nil, fmt.Errorf("%w: source %s has no list url", ingest.ErrConfiguration, sourceKey)
	}
	listURL := strings.ReplaceAll(f.cfg.ListURL, sourcePlaceholder, url.QueryEscape(sourceKey))
	doc, err := f.get(ctx, listURL)
	if err != nil {
		return nil, fmt.Errorf("fetch list: %w", err)
	}

	found := doc
	if f.cfg.ListPath != "" {
		var ok bool
		found, ok = transform.ResolvePath(doc, f.cfg.ListPath)
		if !ok {
			return nil, &ingest.ValidationError{Field: f.cfg.ListPath, Reason: "not present in list response"}
		}
	}
	items, ok := found.([]any)
	if !ok {
		items = []any{found}
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if key, ok := scalarKey(item); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// FetchDetail returns the raw payload describing targetKey.
func (f *Fetcher) FetchDetail(ctx context.Context, targetKey string) (ingest.Payload, error) {
	detailURL := strings.ReplaceAll(f.cfg.DetailURL, idPlaceholder, url.QueryEscape(targetKey))
	doc, err := f.get(ctx, detailURL)
	if err != nil {
		return nil, fmt.Errorf("fetch detail %s: %w", targetKey, err)
	}

	if f.cfg.SuccessPath != "" {
		success, _ := transform.ResolvePath(doc, strings.ReplaceAll(f.cfg.SuccessPath, idPlaceholder, targetKey))
		if success != true {
			return nil, fmt.Errorf("fetch detail %s: source reported failure: %w", targetKey, ingest.ErrPermanent)
		}
	}
	found := doc
	if f.cfg.DetailPath != "" {
		var ok bool
		found, ok = transform.ResolvePath(doc, strings.ReplaceAll(f.cfg.DetailPath, idPlaceholder, targetKey))
		if !ok {
			return nil, fmt.Errorf("fetch detail %s: no item in response: %w", targetKey, ingest.ErrPermanent)
		}
	}
	payload, ok := found.(map[string]any)
	if !ok {
		return nil, &ingest.ValidationError{Field: "payload", Reason: fmt.Sprintf("expected an object, got %T", found)}
	}
	return payload, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (any, error) {
	body, err := f.client.Get(ctx, rawURL, f.cfg.Headers)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return doc, nil
}

func scalarKey(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
