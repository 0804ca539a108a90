// Package transport provides the shared HTTP and WebSocket primitives every
// exchange adapter is built on.
//
// The REST side wraps a resty client with the nested rate-limit budgets,
// per-exchange request signing, typed error mapping, and retry for
// idempotent reads. Mutating calls are never retried on ambiguous failure;
// the error is surfaced to the caller.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/errs"
	"crossarb/internal/metrics"
)

// Signer produces authentication headers for one request. Implementations
// must generate a fresh timestamp on every call; signatures are never
// derived from stale context.
type Signer interface {
	Headers(method, path, query, body string) (map[string]string, error)
}

// ErrorDecoder inspects an error response body and returns a typed error
// when the exchange encoded a structured failure, nil otherwise.
type ErrorDecoder func(status int, body []byte) error

// RESTConfig carries what the client needs beyond its base URL.
type RESTConfig struct {
	Exchange       string
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// RESTClient is the transport beneath every adapter's public and private
// REST surfaces.
type RESTClient struct {
	http       *resty.Client
	limiter    *Limiter
	signer     Signer
	decodeErr  ErrorDecoder
	exchange   string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewRESTClient creates a REST client. signer may be nil for public-only
// clients; decodeErr may be nil when the exchange has no structured error body.
func NewRESTClient(cfg RESTConfig, limiter *Limiter, signer Signer, decodeErr ErrorDecoder, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RESTClient{
		http:       httpClient,
		limiter:    limiter,
		signer:     signer,
		decodeErr:  decodeErr,
		exchange:   cfg.Exchange,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With("component", "rest", "exchange", cfg.Exchange),
	}
}

// Call describes one REST request.
type Call struct {
	Method string
	Path   string     // endpoint path
	Key    string     // rate-limit and metrics key; defaults to Path. Set it when Path embeds an id.
	Query  url.Values // sent in the URL query string
	Body   any        // JSON-encoded request body, nil for none
	Auth   bool       // sign the request
	Result any        // decoded JSON response target, nil to discard
}

func (c Call) key() string {
	if c.Key != "" {
		return c.Key
	}
	return c.Path
}

// Do executes the call. GETs are retried with exponential backoff on
// transient transport errors; everything else runs exactly once.
func (c *RESTClient) Do(ctx context.Context, call Call) error {
	attempts := 1
	if call.Method == http.MethodGet && c.maxRetries > 0 {
		attempts = c.maxRetries + 1
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = c.doOnce(ctx, call)
		if lastErr == nil || !errs.IsRetryableRead(lastErr) {
			return lastErr
		}
		c.logger.Warn("retrying read", "path", call.Path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *RESTClient) doOnce(ctx context.Context, call Call) error {
	release, err := c.limiter.Acquire(ctx, call.key())
	if err != nil {
		return err
	}
	defer release()

	req := c.http.R().SetContext(ctx)
	query := ""
	if len(call.Query) > 0 {
		query = call.Query.Encode()
		req.SetQueryParamsFromValues(call.Query)
	}

	var bodyStr string
	if call.Body != nil {
		raw, err := json.Marshal(call.Body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyStr = string(raw)
		req.SetBody(raw)
	}

	if call.Auth {
		if c.signer == nil {
			return &errs.AuthenticationError{Message: "no credentials configured"}
		}
		headers, err := c.signer.Headers(call.Method, call.Path, query, bodyStr)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.SetHeaders(headers)
	}

	if call.Result != nil {
		req.SetResult(call.Result)
	}

	start := time.Now()
	resp, err := req.Execute(call.Method, call.Path)
	metrics.RESTRequestDuration.WithLabelValues(c.exchange, call.key()).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			metrics.RESTErrors.WithLabelValues(c.exchange, call.key(), "timeout").Inc()
			return &errs.TimeoutError{Op: call.Method + " " + call.Path, Timeout: c.http.GetClient().Timeout}
		}
		metrics.RESTErrors.WithLabelValues(c.exchange, call.key(), "transport").Inc()
		return fmt.Errorf("%s %s: %w", call.Method, call.Path, err)
	}

	if resp.IsError() {
		metrics.RESTErrors.WithLabelValues(c.exchange, call.key(), fmt.Sprintf("http_%d", resp.StatusCode())).Inc()
		return c.mapHTTPError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// mapHTTPError converts a non-2xx response to the error taxonomy. A
// structured exchange error body wins over the generic status class.
func (c *RESTClient) mapHTTPError(status int, body []byte) error {
	if c.decodeErr != nil {
		if err := c.decodeErr(status, body); err != nil {
			return err
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &errs.AuthenticationError{Message: string(body)}
	case status >= 500:
		return &errs.ServerError{Status: status, Message: string(body)}
	default:
		return &errs.ClientError{Status: status, Message: string(body)}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
