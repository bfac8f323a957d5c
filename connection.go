package basilica

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bitop-dev/basilica/internal/httpx"
	"github.com/bitop-dev/basilica/internal/metrics"
	"github.com/bitop-dev/basilica/internal/provider"
	"github.com/bitop-dev/basilica/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const Version = "0.2.5"

const (
	DefaultServer        = "https://api.basilica.ai"
	DefaultRetries       = 2
	DefaultBackoffFactor = 100 * time.Millisecond
)

// BreakerConfig enables a circuit breaker shared by every call of a
// connection.
type BreakerConfig = transport.BreakerConfig

type Config struct {
	Server  string
	AuthKey string

	// Retries is the retry budget of each failure class, and also caps the
	// combined connection and status retries of a call. Nil means
	// DefaultRetries; Ptr(0) disables retries.
	Retries       *int
	BackoffFactor time.Duration
	MaxBackoff    time.Duration
	// StatusForcelist lists the statuses retried with backoff. Nil means
	// {500}; an empty non-nil slice retries no status.
	StatusForcelist []int

	// HTTPClient is used as is and never closed by the connection. When nil
	// the connection owns a client of its own.
	HTTPClient *http.Client
	UserAgent  string

	Logger            *zap.Logger
	TracerProvider    trace.TracerProvider
	MetricsRegisterer prometheus.Registerer
	Breaker           *BreakerConfig
}

// Connection is safe for concurrent use. Every embed call gets its own
// worker; nothing is shared between calls but the immutable configuration
// and the HTTP client.
type Connection struct {
	cfg      Config
	http     *http.Client
	ownsHTTP bool
	embedder provider.Embedder
	log      *zap.Logger
	closed   atomic.Bool
}

func NewConnection(cfg Config) (*Connection, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Connection{cfg: cfg, http: cfg.HTTPClient, log: cfg.Logger}
	if c.http == nil {
		c.http = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		c.ownsHTTP = true
	}

	rec, err := metrics.New(cfg.MetricsRegisterer)
	if err != nil {
		return nil, err
	}
	c.embedder = transport.New(transport.Config{
		AuthKey:    cfg.AuthKey,
		UserAgent:  cfg.UserAgent,
		HTTPClient: c.http,
		Retry: httpx.RetryPolicy{
			Total:           *cfg.Retries,
			Read:            *cfg.Retries,
			Connect:         *cfg.Retries,
			Status:          *cfg.Retries,
			StatusForcelist: cfg.StatusForcelist,
			BackoffFactor:   cfg.BackoffFactor,
			MaxBackoff:      cfg.MaxBackoff,
		},
		Logger:  cfg.Logger,
		Tracer:  cfg.TracerProvider.Tracer("github.com/bitop-dev/basilica", trace.WithInstrumentationVersion(Version)),
		Metrics: rec,
		Breaker: cfg.Breaker,
	})
	c.log.Debug("connection ready", zap.String("server", cfg.Server), zap.Int("retries", *cfg.Retries))
	return c, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.AuthKey == "" {
		return cfg, validationError("auth key is required")
	}
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	u, err := url.Parse(cfg.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cfg, validationError("server must be an absolute http(s) url (got %q)", cfg.Server)
	}

	if cfg.Retries == nil {
		cfg.Retries = Ptr(DefaultRetries)
	}
	if *cfg.Retries < 0 {
		return cfg, validationError("retries must not be negative (got %d)", *cfg.Retries)
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.BackoffFactor < 0 || cfg.MaxBackoff < 0 {
		return cfg, validationError("backoff must not be negative")
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = httpx.DefaultMaxBackoff
	}
	if cfg.StatusForcelist == nil {
		cfg.StatusForcelist = []int{http.StatusInternalServerError}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Basilica Go Client (" + Version + ")"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return cfg, nil
}

// Server returns the normalized base URL.
func (c *Connection) Server() string { return c.cfg.Server }

// Close releases idle connections of an owned HTTP client. Calls made after
// Close fail with a validation error; streams already running are not
// affected.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.ownsHTTP {
		c.http.CloseIdleConnections()
	}
	return nil
}

func (c *Connection) checkOpen() error {
	if c == nil || c.closed.Load() {
		return validationError("connection is closed")
	}
	return nil
}

func (c *Connection) endpoint(kind, model, version string) string {
	return c.cfg.Server + "/embed/" + kind + "/" + url.PathEscape(model) + "/" + url.PathEscape(version)
}
