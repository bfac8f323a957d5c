package basilica

import (
	"context"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/bitop-dev/basilica/internal/stubserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNormalizeConfig_Defaults(t *testing.T) {
	cfg, err := normalizeConfig(Config{AuthKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultServer, cfg.Server)
	assert.Equal(t, DefaultRetries, *cfg.Retries)
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffFactor)
	assert.Equal(t, 120*time.Second, cfg.MaxBackoff)
	assert.Equal(t, []int{http.StatusInternalServerError}, cfg.StatusForcelist)
	assert.Equal(t, "Basilica Go Client ("+Version+")", cfg.UserAgent)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.TracerProvider)

	cfg, err = normalizeConfig(Config{AuthKey: "k", Server: "http://localhost:8080/", Retries: Ptr(0), StatusForcelist: []int{}})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Server)
	assert.Equal(t, 0, *cfg.Retries)
	assert.Empty(t, cfg.StatusForcelist)
}

func TestNewConnection_Validation(t *testing.T) {
	cases := map[string]Config{
		"missing key":      {},
		"relative server":  {AuthKey: "k", Server: "api.basilica.ai"},
		"bad scheme":       {AuthKey: "k", Server: "ftp://api.basilica.ai"},
		"negative retries": {AuthKey: "k", Retries: Ptr(-1)},
		"negative backoff": {AuthKey: "k", BackoffFactor: -time.Second},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConnection(cfg)
			assert.True(t, IsValidation(err), "err=%v", err)
		})
	}
}

func TestConnection_Close(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{})
	conn := newTestConn(t, srv)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.EmbedSentences(context.Background(), EmbedSentencesRequest{Sentences: slices.Values([]string{"a"})})
	assert.True(t, IsValidation(err), "err=%v", err)
	_, err = conn.EmbedSentence(context.Background(), EmbedSentenceRequest{Sentence: "a"})
	assert.True(t, IsValidation(err), "err=%v", err)
	_, err = conn.EmbedImageFile(context.Background(), EmbedImageFileRequest{Path: "x.png"})
	assert.True(t, IsValidation(err), "err=%v", err)
	assert.Empty(t, srv.Requests())
}

func TestConnection_RetryConfiguration(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{AuthKey: "REAL_KEY"})
	conn := newTestConn(t, srv, func(c *Config) {
		c.AuthKey = "FAKE_KEY"
		c.StatusForcelist = []int{http.StatusUnauthorized}
		c.Retries = Ptr(3)
	})

	_, err := conn.EmbedSentence(context.Background(), EmbedSentenceRequest{Sentence: "a"})
	assert.True(t, IsAuth(err), "err=%v", err)
	assert.Len(t, srv.Requests(), 4)
}

func TestConnection_Observability(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{})
	sr := tracetest.NewSpanRecorder()
	reg := prometheus.NewRegistry()
	conn := newTestConn(t, srv, func(c *Config) {
		c.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		c.MetricsRegisterer = reg
	})

	s, err := conn.EmbedSentences(context.Background(), EmbedSentencesRequest{
		Sentences: slices.Values([]string{"a", "b", "c"}),
		BatchSize: 2,
	})
	require.NoError(t, err)
	_, err = s.Collect()
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, sp := range spans {
		assert.Equal(t, "basilica.embed", sp.Name())
		assert.Equal(t, "github.com/bitop-dev/basilica", sp.InstrumentationScope().Name)
	}
	n, err := testutil.GatherAndCount(reg, "basilica_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConnection_LogsRequestIDOnFailure(t *testing.T) {
	srv := stubserver.New(t, stubserver.Config{
		Respond: func(int, stubserver.Request) *stubserver.Reply {
			return &stubserver.Reply{Body: map[string]any{"error": "bad model"}}
		},
	})
	core, logs := observer.New(zapcore.DebugLevel)
	conn := newTestConn(t, srv, func(c *Config) { c.Logger = zap.New(core) })

	s, err := conn.EmbedSentences(context.Background(), EmbedSentencesRequest{
		Sentences: slices.Values([]string{"a", "b"}),
	})
	require.NoError(t, err)
	_, err = s.Collect()
	require.True(t, IsServer(err), "err=%v", err)

	failed := logs.FilterMessage("embed batch failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	fields := failed[0].ContextMap()
	require.Len(t, srv.Requests(), 1)
	assert.Equal(t, srv.Requests()[0].Header.Get("X-Request-Id"), fields["request_id"])
	assert.NotEmpty(t, fields["request_id"])
	assert.Equal(t, int64(2), fields["size"])
}
