// Package transport posts embed batches to the service.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitop-dev/basilica/internal/httpx"
	"github.com/bitop-dev/basilica/internal/metrics"
	"github.com/bitop-dev/basilica/internal/provider"
	"github.com/bitop-dev/basilica/internal/schema"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-Id"

type Config struct {
	AuthKey    string
	UserAgent  string
	HTTPClient *http.Client
	Retry      httpx.RetryPolicy

	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Recorder

	// Breaker enables a circuit breaker shared by every call of the client.
	Breaker *BreakerConfig
}

type BreakerConfig struct {
	Name string
	// MaxRequests may pass while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// The breaker trips once MinRequests calls were seen and at least
	// FailureRatio of them failed.
	MinRequests  uint32
	FailureRatio float64
}

// Client is safe for concurrent use; it holds no per-call state.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	cfg.Retry = cfg.Retry.Normalize()

	c := &Client{cfg: cfg}
	if cfg.Breaker != nil {
		c.breaker = newBreaker(*cfg.Breaker, cfg.Logger)
	}
	return c
}

var errUpstreamStatus = errors.New("upstream server error")

func newBreaker(bc BreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	if bc.Name == "" {
		bc.Name = provider.Name
	}
	if bc.MinRequests == 0 {
		bc.MinRequests = 5
	}
	if bc.FailureRatio <= 0 {
		bc.FailureRatio = 0.6
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        bc.Name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= bc.MinRequests && ratio >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Embed posts one batch and returns its vectors in item order.
func (c *Client) Embed(ctx context.Context, req provider.EmbedRequest) (provider.EmbedResponse, error) {
	u, err := endpoint(req.URL)
	if err != nil {
		return provider.EmbedResponse{}, err
	}
	body, err := requestBody(req)
	if err != nil {
		return provider.EmbedResponse{}, err
	}

	kind := endpointKind(u)
	requestID := uuid.NewString()
	log := c.cfg.Logger.With(
		zap.String("url", req.URL),
		zap.Int("batch_size", len(req.Items)),
		zap.String("request_id", requestID),
	)

	ctx, span := c.cfg.Tracer.Start(ctx, "basilica.embed",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodPost),
			attribute.String("url.full", req.URL),
			attribute.String("basilica.kind", kind),
			attribute.Int("basilica.batch_size", len(req.Items)),
			attribute.String("basilica.request_id", requestID),
		))
	defer span.End()

	start := time.Now()
	out, err := c.embed(ctx, req, body, requestID, log, span)
	code := "ok"
	if err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) {
			code = pe.Code
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("basilica.attempts", out.Attempts))
	c.cfg.Metrics.ObserveCall(kind, code, len(req.Items), time.Since(start))
	return out, err
}

func (c *Client) embed(ctx context.Context, req provider.EmbedRequest, body []byte, requestID string, log *zap.Logger, span trace.Span) (provider.EmbedResponse, error) {
	h := make(http.Header)
	h.Set("Authorization", basicAuth(c.cfg.AuthKey))
	h.Set(RequestIDHeader, requestID)
	if c.cfg.UserAgent != "" {
		h.Set("User-Agent", c.cfg.UserAgent)
	}

	policy := c.cfg.Retry
	policy.OnRetry = func(ev httpx.RetryEvent) {
		log.Warn("retrying embed request",
			zap.Int("attempt", ev.Attempt),
			zap.String("class", string(ev.Class)),
			zap.Int("status", ev.Status),
			zap.Duration("delay", ev.Delay),
			zap.Error(ev.Err))
		c.cfg.Metrics.ObserveRetry(string(ev.Class))
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", ev.Attempt),
			attribute.String("class", string(ev.Class)),
		))
	}

	resp, err := c.do(ctx, httpx.Request{
		Method:  http.MethodPost,
		URL:     req.URL,
		Body:    body,
		Header:  h,
		Timeout: req.Timeout,
	}, policy)
	if err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) {
			return provider.EmbedResponse{RequestID: requestID}, pe
		}
		code, retryable := classifyNetworkErr(err)
		attempts := 0
		var he *httpx.Error
		if errors.As(err, &he) {
			attempts = he.Attempts
		}
		log.Debug("embed request failed", zap.String("code", code), zap.Int("attempts", attempts), zap.Error(err))
		return provider.EmbedResponse{Attempts: attempts, RequestID: requestID}, &provider.Error{Provider: provider.Name, Code: code, Message: err.Error(), Retryable: retryable, Cause: err}
	}

	out := provider.EmbedResponse{Attempts: resp.Attempts, RequestID: requestID}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, statusError(resp)
	}

	vectors, err := parseEmbeddings(resp.Body)
	if err != nil {
		return out, err
	}
	if len(vectors) != len(req.Items) {
		return out, &provider.Error{
			Provider: provider.Name,
			Code:     provider.CodeProtocol,
			Message:  fmt.Sprintf("server returned %d embeddings for %d items", len(vectors), len(req.Items)),
		}
	}
	out.Vectors = vectors
	log.Debug("embed request done", zap.Int("attempts", resp.Attempts), zap.Int("vectors", len(vectors)))
	return out, nil
}

func (c *Client) do(ctx context.Context, req httpx.Request, policy httpx.RetryPolicy) (*httpx.Response, error) {
	if c.breaker == nil {
		return httpx.Do(ctx, c.cfg.HTTPClient, req, policy)
	}

	var resp *httpx.Response
	_, err := c.breaker.Execute(func() (any, error) {
		var err error
		resp, err = httpx.Do(ctx, c.cfg.HTTPClient, req, policy)
		if err == nil && resp.StatusCode >= 500 {
			return nil, errUpstreamStatus
		}
		return nil, err
	})
	switch {
	case errors.Is(err, errUpstreamStatus):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeCircuitOpen, Message: err.Error(), Retryable: true, Cause: err}
	}
	return resp, err
}

func endpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeValidation, Message: fmt.Sprintf("invalid url %q: %v", raw, err), Cause: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, provider.Validation("url must be an absolute http(s) url (got %q)", raw)
	}
	return u, nil
}

// endpointKind returns the path segment after "embed", e.g. "text".
func endpointKind(u *url.URL) string {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "embed" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return "unknown"
}

func requestBody(req provider.EmbedRequest) ([]byte, error) {
	if _, ok := req.Options[provider.DataKey]; ok {
		return nil, provider.Validation("options may not contain the %q key", provider.DataKey)
	}
	query := make(map[string]any, len(req.Options)+1)
	maps.Copy(query, req.Options)
	if err := schema.Options.ValidateValue(query); err != nil {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeValidation, Message: fmt.Sprintf("invalid options: %v", err), Cause: err}
	}
	items := req.Items
	if items == nil {
		items = []any{}
	}
	query[provider.DataKey] = items

	body, err := json.Marshal(query)
	if err != nil {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeValidation, Message: err.Error(), Cause: err}
	}
	return body, nil
}

func basicAuth(key string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(key+":"))
}

type responseBody struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func parseEmbeddings(raw []byte) ([][]float64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeProtocol, Message: fmt.Sprintf("response is not a json object: %v", err), Cause: err}
	}
	if msg, ok := fields["error"]; ok {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeServer, Message: "server returned error: " + errorText(msg)}
	}
	if err := schema.Embeddings.Validate(raw); err != nil {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeProtocol, Message: fmt.Sprintf("server did not return embeddings: %s", truncate(raw)), Cause: err}
	}

	var out responseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &provider.Error{Provider: provider.Name, Code: provider.CodeProtocol, Message: err.Error(), Cause: err}
	}
	return out.Embeddings, nil
}

func statusError(resp *httpx.Response) error {
	msg := resp.Status
	if msg == "" {
		msg = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	var er struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(resp.Body, &er) == nil && len(er.Error) > 0 {
		msg += ": " + errorText(er.Error)
	} else if b := strings.TrimSpace(string(resp.Body)); b != "" {
		msg += ": " + truncate([]byte(b))
	}
	return &provider.Error{
		Provider:  provider.Name,
		Code:      provider.CodeHTTP,
		Status:    resp.StatusCode,
		Message:   msg,
		Retryable: shouldRetryStatus(resp.StatusCode),
	}
}

func errorText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}

func shouldRetryStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 599)
}

func classifyNetworkErr(err error) (code string, retryable bool) {
	if err == nil {
		return provider.CodeNetwork, false
	}
	if errors.Is(err, context.Canceled) {
		return provider.CodeCanceled, false
	}
	var he *httpx.Error
	if errors.As(err, &he) && he.Timeout {
		return provider.CodeTimeout, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.CodeTimeout, true
	}
	return provider.CodeNetwork, true
}
