// Package metrics exposes engine outcomes as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/ledger"
)

// Metrics implements engine.Observer.
type Metrics struct {
	EventsApplied      *prometheus.CounterVec
	EventsDuplicate    *prometheus.CounterVec
	EventsRetried      prometheus.Counter
	EventsFailed       *prometheus.CounterVec
	EventsDeadLettered prometheus.Counter
	ApplyLatency       prometheus.Histogram
}

var _ engine.Observer = (*Metrics)(nil)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patronage_events_applied_total",
			Help: "Balance events applied to the log, by event type",
		}, []string{"event_type"}),

		EventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patronage_events_duplicate_total",
			Help: "Redelivered events skipped by the idempotency guard",
		}, []string{"conflict"}),

		EventsRetried: f.NewCounter(prometheus.CounterOpts{
			Name: "patronage_events_retried_total",
			Help: "Append attempts retried after a transient failure",
		}),

		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patronage_events_failed_total",
			Help: "Events rejected or failed permanently, by error code",
		}, []string{"code"}),

		EventsDeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "patronage_events_dead_lettered_total",
			Help: "Events routed to manual intervention",
		}),

		ApplyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "patronage_event_apply_duration_seconds",
			Help:    "Duration of a successful apply including retries",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1, 5},
		}),
	}
}

func (m *Metrics) EventApplied(ev ledger.Event, d time.Duration) {
	if m != nil {
		m.EventsApplied.WithLabelValues(string(ev.Type())).Inc()
		m.ApplyLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) EventDuplicate(_ ledger.Event, conflict bool) {
	if m != nil {
		m.EventsDuplicate.WithLabelValues(strconv.FormatBool(conflict)).Inc()
	}
}

func (m *Metrics) EventRetried(ledger.Event, int) {
	if m != nil {
		m.EventsRetried.Inc()
	}
}

func (m *Metrics) EventFailed(_ ledger.Event, code engine.RuntimeErrorCode) {
	if m != nil {
		m.EventsFailed.WithLabelValues(string(code)).Inc()
	}
}

func (m *Metrics) EventDeadLettered(ledger.Event) {
	if m != nil {
		m.EventsDeadLettered.Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
