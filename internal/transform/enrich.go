package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/value"
)

// Enricher derives a value from an external service for ai_enrich rules.
type Enricher interface {
	Enrich(ctx context.Context, kind string, v value.Value, record *value.Map) (value.Value, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, kind string, v value.Value, record *value.Map) (value.Value, error)

// Enrich calls f.
func (f EnricherFunc) Enrich(ctx context.Context, kind string, v value.Value, record *value.Map) (value.Value, error) {
	return f(ctx, kind, v, record)
}

// HTTPEnricher posts {kind, value, record} as JSON to an endpoint and reads
// {value} back. Requests are rate limited.
type HTTPEnricher struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// HTTPEnricherOption configures an HTTPEnricher.
type HTTPEnricherOption func(*HTTPEnricher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPEnricherOption {
	return func(e *HTTPEnricher) {
		e.client = c
	}
}

// WithRateLimit allows rps requests per second with the given burst.
// rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) HTTPEnricherOption {
	return func(e *HTTPEnricher) {
		if rps <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPEnricherOption {
	return func(e *HTTPEnricher) {
		e.client.Timeout = d
	}
}

// WithEnricherLogger sets the logger.
func WithEnricherLogger(l *slog.Logger) HTTPEnricherOption {
	return func(e *HTTPEnricher) {
		e.logger = l
	}
}

// NewHTTPEnricher creates an enricher for endpoint. Defaults: 10 requests
// per second, burst 1, 10s timeout.
func NewHTTPEnricher(endpoint string, opts ...HTTPEnricherOption) *HTTPEnricher {
	e := &HTTPEnricher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(10), 1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type enrichRequest struct {
	Kind   string          `json:"kind"`
	Value  json.RawMessage `json:"value"`
	Record *value.Map      `json:"record"`
}

type enrichResponse struct {
	Value json.RawMessage `json:"value"`
}

// Enrich implements Enricher.
func (e *HTTPEnricher) Enrich(ctx context.Context, kind string, v value.Value, record *value.Map) (value.Value, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, failure.Wrap(failure.KindRateLimit, "enrich.wait", err)
	}

	raw, err := value.MarshalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	if record == nil {
		record = value.NewMap()
	}
	body, err := json.Marshal(enrichRequest{Kind: kind, Value: raw, Record: record})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "enrich.post", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "enrich.read", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, failure.Newf(failure.KindRateLimit, "enrich.post", "status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, failure.Newf(failure.KindConnection, "enrich.post", "status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, failure.Newf(failure.KindTransform, "enrich.post", "status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out enrichResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, failure.Wrap(failure.KindTransform, "enrich.decode", err)
	}
	if len(out.Value) == 0 {
		return nil, failure.New(failure.KindTransform, "enrich.decode", "response has no value")
	}
	result, err := value.ParseJSON(out.Value)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransform, "enrich.decode", err)
	}
	e.logger.Debug("enriched value", "kind", kind)
	return result, nil
}
