// Package metrics exposes Prometheus collectors for embed calls.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is nil-safe: a nil *Recorder records nothing.
type Recorder struct {
	requests  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	batchSize prometheus.Histogram
}

// New registers the collectors with reg. A nil reg disables metrics.
// Connections sharing a registerer share the collectors.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		return nil, nil
	}
	r := &Recorder{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basilica_requests_total",
				Help: "Embed calls by endpoint kind and outcome code",
			},
			[]string{"kind", "code"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basilica_retries_total",
				Help: "HTTP retries by failure class",
			},
			[]string{"class"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "basilica_request_duration_seconds",
				Help:    "Duration of embed calls including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "basilica_batch_size",
			Help:    "Items per embed call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	var err error
	if r.requests, err = register(reg, r.requests); err != nil {
		return nil, err
	}
	if r.retries, err = register(reg, r.retries); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	if r.batchSize, err = register(reg, r.batchSize); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// ObserveCall records one finished embed call. code is "ok" on success.
func (r *Recorder) ObserveCall(kind, code string, items int, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(kind, code).Inc()
	r.duration.WithLabelValues(kind).Observe(d.Seconds())
	r.batchSize.Observe(float64(items))
}

func (r *Recorder) ObserveRetry(class string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(class).Inc()
}
