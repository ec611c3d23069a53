// Package apiclient talks to the advising API's auth endpoints and maps
// every failure onto the domain error taxonomy:
//
//   - connectivity failures and gateway errors: dErrors.CodeUnavailable
//     ("backend not available"); transport timeouts: dErrors.CodeTimeout
//   - 401: dErrors.CodeUnauthorized, 403: dErrors.CodeForbidden
//   - any other non-2xx: dErrors.CodeRejected carrying the server's detail
//
// A circuit breaker short-circuits calls while the backend keeps failing.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"advisor/internal/platform/logger"
	"advisor/internal/platform/metrics"
	dErrors "advisor/pkg/domain-errors"
	"advisor/pkg/platform/circuit"
	"advisor/pkg/requestcontext"
)

const (
	tracerName      = "advisor/internal/auth/apiclient"
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 1 << 20
	defaultTimeout  = 15 * time.Second
)

type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its Timeout bounds every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		breaker: circuit.New("advising-api"),
		logger:  logger.Discard(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Healthy reports whether the breaker currently lets calls through.
func (c *Client) Healthy(context.Context) error {
	if !c.breaker.Allow() {
		return dErrors.New(dErrors.CodeUnavailable, MsgBackendUnavailable)
	}
	return nil
}

type request struct {
	method string
	path   string
	body   any
	bearer string
	// fallback is surfaced when an error body carries no message.
	fallback string
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	if !c.breaker.Allow() {
		return dErrors.New(dErrors.CodeUnavailable, MsgBackendUnavailable)
	}

	requestID := requestcontext.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx, span := c.tracer.Start(ctx, "advisor.api "+req.method+" "+req.path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.method),
			attribute.String("url.path", req.path),
			attribute.String("advisor.request_id", requestID),
		))
	defer span.End()

	httpReq, err := c.newRequest(ctx, req, requestID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe(req.path, "error", start)
		derr := transportError(ctx, err)
		if !dErrors.Is(derr, dErrors.CodeCancelled) {
			c.recordFailure(ctx)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, dErrors.Message(derr))
		c.logger.WarnContext(ctx, "api call failed",
			"request_id", requestID, "path", req.path, "error", err)
		return derr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.observe(req.path, strconv.Itoa(resp.StatusCode), start)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if err != nil {
		c.recordFailure(ctx)
		span.SetStatus(codes.Error, "read body")
		return transportError(ctx, err)
	}
	c.logger.DebugContext(ctx, "api call",
		"request_id", requestID, "path", req.path, "status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if isGatewayStatus(resp.StatusCode) {
		c.recordFailure(ctx)
		span.SetStatus(codes.Error, resp.Status)
		return dErrors.New(dErrors.CodeUnavailable, MsgBackendUnavailable)
	}
	c.recordSuccess(ctx)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return ErrorFromResponse(resp.StatusCode, body, req.fallback)
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "decode "+req.path+" response")
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, req request, requestID string) (*http.Request, error) {
	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode request")
		}
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("build %s request", req.path))
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(headerRequestID, requestID)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	return httpReq, nil
}

func (c *Client) observe(path, status string, start time.Time) {
	c.metrics.ObserveAPIRequest(path, status, float64(time.Since(start).Microseconds())/1000.0)
}

func (c *Client) recordFailure(ctx context.Context) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.metrics.SetBackendDegraded(true)
		c.logger.WarnContext(ctx, "advising API circuit opened", "breaker", c.breaker.Name())
	}
}

func (c *Client) recordSuccess(ctx context.Context) {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.metrics.SetBackendDegraded(false)
		c.logger.InfoContext(ctx, "advising API circuit closed", "breaker", c.breaker.Name())
	}
}

func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}
