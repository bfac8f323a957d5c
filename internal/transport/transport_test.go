package transport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bitop-dev/basilica/internal/httpx"
	"github.com/bitop-dev/basilica/internal/metrics"
	"github.com/bitop-dev/basilica/internal/provider"
	"github.com/bitop-dev/basilica/internal/stubserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testKey = "TEST_KEY"

func newClient(cfg Config) *Client {
	if cfg.AuthKey == "" {
		cfg.AuthKey = testKey
	}
	if cfg.Retry.StatusForcelist == nil {
		cfg.Retry = httpx.RetryPolicy{
			Total:           2,
			Read:            2,
			Connect:         2,
			Status:          2,
			StatusForcelist: []int{http.StatusInternalServerError},
			BackoffFactor:   time.Millisecond,
		}
	}
	return New(cfg)
}

func textURL(srv *stubserver.Server) string {
	return srv.URL + "/embed/text/english/default"
}

func requireCode(t *testing.T, err error, code string) *provider.Error {
	t.Helper()
	var pe *provider.Error
	require.True(t, errors.As(err, &pe), "expected *provider.Error, got %T (%v)", err, err)
	require.Equal(t, code, pe.Code, pe.Message)
	return pe
}

func TestEmbed_Success(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{AuthKey: testKey})
	c := newClient(Config{UserAgent: "Basilica Go Client (test)"})

	resp, err := c.Embed(context.Background(), provider.EmbedRequest{
		URL:     textURL(srv),
		Items:   []any{"a", "b"},
		Options: map[string]any{"dimensions": 4, "normalize_mean": true},
		Timeout: time.Second,
	})
	require.NoError(t, err)
	require.Len(t, resp.Vectors, 2)
	assert.Equal(t, stubserver.Vector("english/a", 4), resp.Vectors[0])
	assert.Equal(t, stubserver.Vector("english/b", 4), resp.Vectors[1])
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.RequestID)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"a", "b"}, reqs[0].Items)
	assert.Equal(t, map[string]any{"dimensions": 4.0, "normalize_mean": true}, reqs[0].Options)
	assert.Equal(t, "Basilica Go Client (test)", reqs[0].Header.Get("User-Agent"))
	assert.Equal(t, resp.RequestID, reqs[0].Header.Get(RequestIDHeader))
}

func TestEmbed_ImageItems(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{})
	c := newClient(Config{})

	resp, err := c.Embed(context.Background(), provider.EmbedRequest{
		URL:   srv.URL + "/embed/images/generic/default",
		Items: []any{provider.ImageItem{Img: "AQID"}},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{stubserver.Vector("generic/AQID", stubserver.DefaultDim)}, resp.Vectors)
	assert.Equal(t, "images", srv.Requests()[0].Kind)
}

func TestEmbed_Validation(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{})
	c := newClient(Config{})

	cases := map[string]provider.EmbedRequest{
		"reserved key":    {URL: textURL(srv), Items: []any{"a"}, Options: map[string]any{"data": 1}},
		"bad option type": {URL: textURL(srv), Items: []any{"a"}, Options: map[string]any{"dimensions": "64"}},
		"relative url":    {URL: "/embed/text/english/default", Items: []any{"a"}},
		"bad scheme":      {URL: "ftp://example.com/embed", Items: []any{"a"}},
		"unparsable url":  {URL: "http://[::1", Items: []any{"a"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Embed(context.Background(), req)
			requireCode(t, err, provider.CodeValidation)
		})
	}
	assert.Empty(t, srv.Requests())
}

func TestEmbed_ServerError(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{Respond: func(int, stubserver.Request) *stubserver.Reply {
		return &stubserver.Reply{Body: map[string]any{"error": "bad model"}}
	}})
	_, err := newClient(Config{}).Embed(context.Background(), provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}})
	pe := requireCode(t, err, provider.CodeServer)
	assert.Contains(t, pe.Message, "bad model")
}

func TestEmbed_ProtocolErrors(t *testing.T) {
	bodies := map[string]any{
		"missing embeddings": map[string]any{"result": []int{1}},
		"wrong shape":        map[string]any{"embeddings": []string{"x"}},
		"count mismatch":     map[string]any{"embeddings": [][]float64{{1}, {2}}},
		"not an object":      []int{1, 2},
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := stubserver.New(t, stubserver.Config{Respond: func(int, stubserver.Request) *stubserver.Reply {
				return &stubserver.Reply{Body: body}
			}})
			_, err := newClient(Config{}).Embed(context.Background(), provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}})
			requireCode(t, err, provider.CodeProtocol)
		})
	}
}

func TestEmbed_UnauthorizedNotRetriedByDefault(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{AuthKey: "REAL_KEY"})
	_, err := newClient(Config{AuthKey: "FAKE_KEY"}).Embed(context.Background(), provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}})
	pe := requireCode(t, err, provider.CodeHTTP)
	assert.Equal(t, http.StatusUnauthorized, pe.Status)
	assert.Contains(t, pe.Message, "invalid auth key")
	assert.Len(t, srv.Requests(), 1)
}

func TestEmbed_UnauthorizedForcelisted(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{AuthKey: "REAL_KEY"})
	c := newClient(Config{AuthKey: "FAKE_KEY", Retry: httpx.RetryPolicy{
		Total:           2,
		Status:          2,
		StatusForcelist: []int{http.StatusUnauthorized},
		BackoffFactor:   time.Millisecond,
	}})
	_, err := c.Embed(context.Background(), provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}})
	pe := requireCode(t, err, provider.CodeHTTP)
	assert.Equal(t, http.StatusUnauthorized, pe.Status)
	assert.Len(t, srv.Requests(), 3)
}

func TestEmbed_RetriesServerErrors(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{Respond: func(call int, _ stubserver.Request) *stubserver.Reply {
		if call < 2 {
			return &stubserver.Reply{Status: http.StatusInternalServerError, Body: map[string]any{"error": "try again"}}
		}
		return nil
	}})
	resp, err := newClient(Config{}).Embed(context.Background(), provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)

	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	id := reqs[0].Header.Get(RequestIDHeader)
	for _, r := range reqs {
		assert.Equal(t, id, r.Header.Get(RequestIDHeader), "request id must survive retries")
	}
}

func TestEmbed_Timeout(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{Respond: func(int, stubserver.Request) *stubserver.Reply {
		return &stubserver.Reply{Delay: time.Second}
	}})
	_, err := newClient(Config{}).Embed(context.Background(), provider.EmbedRequest{
		URL:     textURL(srv),
		Items:   []any{"a"},
		Timeout: 30 * time.Millisecond,
	})
	pe := requireCode(t, err, provider.CodeTimeout)
	assert.True(t, pe.Retryable)
	assert.Len(t, srv.Requests(), 3)
}

func TestEmbed_Canceled(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{Respond: func(int, stubserver.Request) *stubserver.Reply {
		return &stubserver.Reply{Delay: time.Second}
	}})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := newClient(Config{}).Embed(ctx, provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}})
	requireCode(t, err, provider.CodeCanceled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbed_NetworkError(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{})
	url := textURL(srv)
	srv.Close()

	_, err := newClient(Config{}).Embed(context.Background(), provider.EmbedRequest{URL: url, Items: []any{"a"}})
	requireCode(t, err, provider.CodeNetwork)
}

func TestEmbed_CircuitBreakerOpens(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{Respond: func(int, stubserver.Request) *stubserver.Reply {
		return &stubserver.Reply{Status: http.StatusInternalServerError, Body: map[string]any{"error": "down"}}
	}})
	c := newClient(Config{
		Retry:   httpx.RetryPolicy{StatusForcelist: []int{}},
		Breaker: &BreakerConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute},
	})
	req := provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}}

	for i := 0; i < 2; i++ {
		_, err := c.Embed(context.Background(), req)
		requireCode(t, err, provider.CodeHTTP)
	}
	_, err := c.Embed(context.Background(), req)
	requireCode(t, err, provider.CodeCircuitOpen)
	assert.Len(t, srv.Requests(), 2)
}

func TestEmbed_TracingAndMetrics(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{})
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	c := newClient(Config{Tracer: tp.Tracer("test"), Metrics: rec})
	_, err = c.Embed(context.Background(), provider.EmbedRequest{URL: textURL(srv), Items: []any{"a", "b", "c"}})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), provider.EmbedRequest{URL: textURL(srv), Items: []any{"a"}, Options: map[string]any{"data": 1}})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1, "validation failures happen before a span starts")
	assert.Equal(t, "basilica.embed", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.Int("basilica.batch_size", 3))
	assert.Contains(t, spans[0].Attributes(), attribute.String("basilica.kind", "text"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "basilica_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["kind"] == "text" && labels["code"] == "ok" {
				found = true
				assert.Equal(t, 1.0, m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found, "basilica_requests_total{kind=text,code=ok} not recorded")
}

func TestEndpointKind(t *testing.T) {
	u, err := endpoint("https://api.basilica.ai/embed/images/generic/default")
	require.NoError(t, err)
	assert.Equal(t, "images", endpointKind(u))

	u, err = endpoint("http://localhost:8080/other")
	require.NoError(t, err)
	assert.Equal(t, "unknown", endpointKind(u))
}

func TestBasicAuth(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	r.Header.Set("Authorization", basicAuth("SLOW_DEMO_KEY"))
	user, pass, ok := r.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "SLOW_DEMO_KEY", user)
	assert.Empty(t, pass)
}
