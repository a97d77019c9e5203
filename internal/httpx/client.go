// Package httpx is the HTTP client shared by the MetaCat, Rucio and justIN
// clients. Requests are rate limited, retried with exponential backoff on
// transient failures, traced and timed.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/dune/merge-utils/internal/logging"
	"github.com/dune/merge-utils/internal/metrics"
)

const (
	instrumentationName = "github.com/dune/merge-utils/internal/httpx"

	defaultTimeout     = 120 * time.Second
	defaultRateLimit   = 5.0
	defaultBurst       = 2
	defaultMaxRetries  = 3
	defaultBaseBackoff = 500 * time.Millisecond
	maxErrorBody       = 512
)

// Config configures a Client.
type Config struct {
	// Service names the remote service in spans, metrics and errors.
	Service string
	BaseURL string
	Timeout time.Duration
	// RateLimit is the number of requests per second, 0 for the default.
	RateLimit float64
	// Token is sent as a bearer token. TokenFile is read when Token is empty.
	Token     string
	TokenFile string
	// Header is added to every request.
	Header http.Header
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// WithMetrics records request durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetries sets the retry count and the first backoff delay.
func WithRetries(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// WithTransport replaces the base round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// Client sends requests to one service.
type Client struct {
	service    string
	baseURL    string
	header     http.Header
	httpClient *http.Client
	transport  http.RoundTripper
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates a Client. A configured token file that cannot be read is an
// error.
func New(cfg Config, opts ...Option) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}

	c := &Client{
		service:    cfg.Service,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		header:     cfg.Header,
		transport:  http.DefaultTransport,
		limiter:    rate.NewLimiter(rate.Limit(limit), defaultBurst),
		maxRetries: defaultMaxRetries,
		backoff:    defaultBaseBackoff,
		tracer:     otel.Tracer(instrumentationName),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	token := cfg.Token
	if token == "" && cfg.TokenFile != "" {
		b, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s token file: %w", cfg.Service, err)
		}
		token = strings.TrimSpace(string(b))
	}

	rt := c.transport
	if token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}
	c.httpClient = &http.Client{Transport: rt, Timeout: timeout}
	return c, nil
}

// Service returns the service name.
func (c *Client) Service() string {
	return c.service
}

// Request describes one call. Op names the span "<service>.<op>". Path is
// appended to the base URL unless it is a full URL.
type Request struct {
	Op          string
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (%d): %s", e.Service, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Do sends req and returns the response body of a 2xx response. 5xx, 429 and
// transport errors are retried.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, c.service+"."+req.Op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.Path),
		),
	)
	defer span.End()

	body, err := c.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response_size", len(body)))
	return body, nil
}

func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			c.logger.Debug("Retrying request",
				zap.String("service", c.service),
				zap.String("op", req.Op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		body, err := c.attempt(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: max retries exceeded: %w", c.service, lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request) ([]byte, error) {
	target := req.Path
	if !strings.Contains(target, "://") {
		target = c.baseURL + "/" + strings.TrimPrefix(target, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vals := range c.header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest(c.service, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: fmt.Errorf("%s request failed: %w", c.service, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.metrics.ObserveRequest(c.service, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("failed to read %s response: %w", c.service, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	se := &StatusError{Service: c.service, Code: resp.StatusCode, Body: truncate(string(body))}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &retryableError{err: se}
	}
	return nil, se
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
