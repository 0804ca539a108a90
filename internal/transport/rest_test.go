package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"crossarb/internal/errs"
)

func newTestRESTClient(baseURL string, maxRetries int, signer Signer, decode ErrorDecoder) *RESTClient {
	cfg := RESTConfig{
		Exchange:       "test",
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     maxRetries,
		RetryDelay:     time.Millisecond,
	}
	limiter := NewLimiter(10, 1000, 1000, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRESTClient(cfg, limiter, signer, decode, logger)
}

func TestRESTClientRetriesGetOnServerError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL, 3, nil, nil)
	var out struct {
		Value int `json:"value"`
	}
	if err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/thing", Result: &out}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("decoded value = %d, want 42", out.Value)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("server hits = %d, want 3", got)
	}
}

func TestRESTClientGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL, 2, nil, nil)
	err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/thing"})
	var srvErr *errs.ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("err = %v, want *errs.ServerError", err)
	}
	if got := hits.Load(); got != 3 { // first attempt + 2 retries
		t.Fatalf("server hits = %d, want 3", got)
	}
}

func TestRESTClientNeverRetriesMutations(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL, 3, nil, nil)
	err := c.Do(context.Background(), Call{Method: http.MethodPost, Path: "/order", Body: map[string]string{"a": "b"}})
	var srvErr *errs.ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("err = %v, want *errs.ServerError", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hits = %d, POST must run exactly once", got)
	}
}

func TestRESTClientMapsStatusToTypedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"401 is authentication", http.StatusUnauthorized, func(err error) bool {
			var e *errs.AuthenticationError
			return errors.As(err, &e)
		}},
		{"403 is authentication", http.StatusForbidden, func(err error) bool {
			var e *errs.AuthenticationError
			return errors.As(err, &e)
		}},
		{"404 is client error", http.StatusNotFound, func(err error) bool {
			var e *errs.ClientError
			return errors.As(err, &e) && e.Status == http.StatusNotFound
		}},
		{"502 is server error", http.StatusBadGateway, func(err error) bool {
			var e *errs.ServerError
			return errors.As(err, &e) && e.Status == http.StatusBadGateway
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestRESTClient(srv.URL, 0, nil, nil)
			err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/x"})
			if err == nil || !tt.check(err) {
				t.Fatalf("status %d mapped to %v", tt.status, err)
			}
		})
	}
}

func TestRESTClientPrefersDecodedError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"label":"ORDER_NOT_FOUND","message":"ord-9"}`))
	}))
	defer srv.Close()

	decode := func(status int, body []byte) error {
		return &errs.OrderNotFoundError{OrderID: "ord-9"}
	}
	c := newTestRESTClient(srv.URL, 0, nil, decode)
	err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/order"})
	var notFound *errs.OrderNotFoundError
	if !errors.As(err, &notFound) || notFound.OrderID != "ord-9" {
		t.Fatalf("err = %v, want the decoded *errs.OrderNotFoundError", err)
	}
}

type headerSigner struct{ key string }

func (s *headerSigner) Headers(method, path, query, body string) (map[string]string, error) {
	return map[string]string{"X-Test-Key": s.key, "X-Signed-Query": query}, nil
}

func TestRESTClientSignsAuthenticatedCalls(t *testing.T) {
	t.Parallel()

	var gotKey, gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-Test-Key"))
		gotQuery.Store(r.Header.Get("X-Signed-Query"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL, 0, &headerSigner{key: "k-1"}, nil)
	query := url.Values{"symbol": {"BTCUSDT"}}
	if err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/account", Query: query, Auth: true}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotKey.Load() != "k-1" {
		t.Fatalf("auth header = %v, want k-1", gotKey.Load())
	}
	if gotQuery.Load() != "symbol=BTCUSDT" {
		t.Fatalf("signed query = %v, want the encoded query string", gotQuery.Load())
	}
}

func TestRESTClientRejectsAuthWithoutCredentials(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestRESTClient(srv.URL, 0, nil, nil)
	err := c.Do(context.Background(), Call{Method: http.MethodGet, Path: "/account", Auth: true})
	var authErr *errs.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *errs.AuthenticationError", err)
	}
	if hits.Load() != 0 {
		t.Fatal("request must not leave the client without credentials")
	}
}
