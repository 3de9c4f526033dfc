package jsonapi

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

type fakeGetter struct {
	responses map[string]string
	err       error
	calls     []string
	headers   map[string]string
}

func (g *fakeGetter) Get(_ context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	g.calls = append(g.calls, rawURL)
	g.headers = headers
	if g.err != nil {
		return nil, g.err
	}
	body, ok := g.responses[rawURL]
	if !ok {
		return nil, errors.New("unexpected url " + rawURL)
	}
	return []byte(body), nil
}

func steamConfig() Config {
	return Config{
		ListURL:     "https://api.example.com/applist",
		ListPath:    "applist.apps[].appid",
		DetailURL:   "https://store.example.com/appdetails?appids={id}",
		DetailPath:  "{id}.data",
		SuccessPath: "{id}.success",
		Headers:     map[string]string{"accept": "application/json"},
	}
}

func TestFetchListExtractsKeys(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{responses: map[string]string{
		"https://api.example.com/applist": `{"applist":{"apps":[{"appid":578080,"name":"PUBG"},{"appid":570},{"name":"no id"}]}}`,
	}}
	f, err := New(getter, steamConfig())
	require.NoError(t, err)

	keys, err := f.FetchList(context.Background(), "steam")
	require.NoError(t, err)
	require.Equal(t, []string{"578080", "570"}, keys)
	require.Equal(t, "application/json", getter.headers["accept"])
}

func TestFetchListSubstitutesSourceAndAcceptsBareArrays(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{responses: map[string]string{
		"https://api.example.com/list?source=tmdb": `["  1 ", "2", ""]`,
	}}
	f, err := New(getter, Config{ListURL: "https://api.example.com/list?source={source}", DetailURL: "https://x/{id}"})
	require.NoError(t, err)

	keys, err := f.FetchList(context.Background(), "tmdb")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, keys)
}

func TestFetchListErrors(t *testing.T) {
	t.Parallel()

	f, err := New(&fakeGetter{}, Config{DetailURL: "https://x/{id}"})
	require.NoError(t, err)
	_, err = f.FetchList(context.Background(), "steam")
	require.ErrorIs(t, err, ingest.ErrConfiguration)

	getter := &fakeGetter{responses: map[string]string{"https://api.example.com/applist": `{"unexpected":true}`}}
	f, err = New(getter, steamConfig())
	require.NoError(t, err)
	_, err = f.FetchList(context.Background(), "steam")
	require.ErrorIs(t, err, ingest.ErrValidation)

	f, err = New(&fakeGetter{err: ingest.ErrThrottled}, steamConfig())
	require.NoError(t, err)
	_, err = f.FetchList(context.Background(), "steam")
	require.ErrorIs(t, err, ingest.ErrThrottled)
}

func TestFetchDetailUnwrapsItem(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{responses: map[string]string{
		"https://store.example.com/appdetails?appids=578080": `{"578080":{"success":true,"data":{"name":"PUBG","metacritic":{"score":86}}}}`,
	}}
	f, err := New(getter, steamConfig())
	require.NoError(t, err)

	payload, err := f.FetchDetail(context.Background(), "578080")
	require.NoError(t, err)
	require.Equal(t, "PUBG", payload["name"])
	score := payload["metacritic"].(map[string]any)["score"]
	require.Equal(t, json.Number("86"), score)
}

func TestFetchDetailFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body string
		want error
	}{
		"success false":  {body: `{"1":{"success":false}}`, want: ingest.ErrPermanent},
		"success absent": {body: `{}`, want: ingest.ErrPermanent},
		"data absent":    {body: `{"1":{"success":true}}`, want: ingest.ErrPermanent},
		"data not object": {
			body: `{"1":{"success":true,"data":[1,2]}}`,
			want: ingest.ErrValidation,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			getter := &fakeGetter{responses: map[string]string{"https://store.example.com/appdetails?appids=1": tc.body}}
			f, err := New(getter, steamConfig())
			require.NoError(t, err)
			_, err = f.FetchDetail(context.Background(), "1")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchDetailMalformedJSONIsTransient(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{responses: map[string]string{"https://store.example.com/appdetails?appids=1": `{"1":`}}
	f, err := New(getter, steamConfig())
	require.NoError(t, err)
	_, err = f.FetchDetail(context.Background(), "1")
	require.ErrorContains(t, err, "decode response")
	require.False(t, errors.Is(err, ingest.ErrPermanent))
	require.False(t, errors.Is(err, ingest.ErrValidation))
}

func TestFetchDetailEscapesTargetKey(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{responses: map[string]string{"https://x/item?id=a+b%26c": `{"title":"x"}`}}
	f, err := New(getter, Config{DetailURL: "https://x/item?id={id}"})
	require.NoError(t, err)
	payload, err := f.FetchDetail(context.Background(), "a b&c")
	require.NoError(t, err)
	require.Equal(t, "x", payload["title"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, steamConfig())
	require.Error(t, err)
	_, err = New(&fakeGetter{}, Config{DetailURL: "https://x/"})
	require.ErrorIs(t, err, ingest.ErrConfiguration)
	cfg := steamConfig()
	cfg.ListPath = "applist..appid"
	_, err = New(&fakeGetter{}, cfg)
	require.ErrorIs(t, err, ingest.ErrConfiguration)
}
