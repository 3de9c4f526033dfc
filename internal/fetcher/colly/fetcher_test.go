package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

func TestGetReturnsBodyAndSendsHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("User-Agent") != "content-ingest/test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(Config{UserAgent: "content-ingest/test", Timeout: time.Second})
	body, err := client.Get(context.Background(), srv.URL+"/detail", map[string]string{"Authorization": "Bearer token"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))

	again, err := client.Get(context.Background(), srv.URL+"/detail", map[string]string{"Authorization": "Bearer token"})
	require.NoError(t, err)
	require.Equal(t, body, again)
}

func TestGetClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		throttled bool
		permanent bool
	}{
		{status: http.StatusTooManyRequests, throttled: true},
		{status: http.StatusNotFound, permanent: true},
		{status: http.StatusGone, permanent: true},
		{status: http.StatusForbidden, permanent: true},
		{status: http.StatusRequestTimeout},
		{status: http.StatusInternalServerError},
		{status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := New(Config{Timeout: time.Second}).Get(context.Background(), srv.URL, nil)
			require.Error(t, err)
			require.True(t, IsStatus(err, tc.status), "unexpected error %v", err)
			require.Equal(t, tc.throttled, errors.Is(err, ingest.ErrThrottled))
			require.Equal(t, tc.permanent, errors.Is(err, ingest.ErrPermanent))
		})
	}
}

func TestGetHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Get(ctx, srv.URL, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Get(context.Background(), addr, nil)
	require.Error(t, err)
	require.False(t, errors.Is(err, ingest.ErrPermanent))
	require.False(t, errors.Is(err, ingest.ErrThrottled))
}

func TestClientIsSafeForConcurrentUse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("id")))
	}))
	defer srv.Close()

	client := New(Config{Timeout: time.Second})
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			body, err := client.Get(context.Background(), srv.URL+"/?id="+id, nil)
			if err == nil && string(body) != id {
				err = errors.New("body mismatch " + string(body))
			}
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
