package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wheel-screener/internal/artifact"
)

// Metrics holds the Prometheus instruments for the screener. A nil *Metrics
// is a valid no-op receiver so callers never guard observation sites.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	SymbolsTotal     *prometheus.CounterVec
	RequestsTotal    prometheus.Counter
	RejectionsTotal  *prometheus.CounterVec
	BudgetExhausted  *prometheus.CounterVec
	LastRunSymbols   *prometheus.GaugeVec
	LastRunTimestamp prometheus.Gauge
}

// NewMetrics creates and registers the screener instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelscreener_cycles_total",
				Help: "Total number of evaluation cycles by outcome",
			},
			[]string{"status"},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wheelscreener_cycle_duration_seconds",
				Help:    "Duration of one evaluation cycle in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		SymbolsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelscreener_symbols_total",
				Help: "Total number of symbol evaluations by verdict",
			},
			[]string{"verdict"},
		),

		RequestsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wheelscreener_provider_requests_total",
				Help: "Total number of provider requests charged against budgets",
			},
		),

		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelscreener_selector_rejections_total",
				Help: "Total number of contract rejections by strategy-prefixed cause",
			},
			[]string{"cause"},
		),

		BudgetExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wheelscreener_budget_exhausted_total",
				Help: "Total number of cycles that exhausted a budget cap",
			},
			[]string{"reason"},
		),

		LastRunSymbols: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wheelscreener_last_run_symbols",
				Help: "Symbol count of the most recent run by verdict",
			},
			[]string{"verdict"},
		),

		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wheelscreener_last_run_timestamp_seconds",
				Help: "Unix timestamp of the most recent committed run",
			},
		),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.SymbolsTotal,
		m.RequestsTotal,
		m.RejectionsTotal,
		m.BudgetExhausted,
		m.LastRunSymbols,
		m.LastRunTimestamp,
	)

	return m
}

// RecordCycle counts one finished cycle and its duration.
func (m *Metrics) RecordCycle(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
}

// ObserveArtifact records the outcome counts of a committed run.
func (m *Metrics) ObserveArtifact(a *artifact.Artifact) {
	if m == nil || a == nil {
		return
	}

	counts := map[string]int{}
	for _, result := range a.Symbols {
		counts[string(result.Verdict)]++
	}

	m.LastRunSymbols.Reset()
	for verdict, count := range counts {
		m.SymbolsTotal.WithLabelValues(verdict).Add(float64(count))
		m.LastRunSymbols.WithLabelValues(verdict).Set(float64(count))
	}

	for _, gates := range a.GatesBySymbol {
		for cause, n := range gates.RejectionCounts {
			m.RejectionsTotal.WithLabelValues(cause).Add(float64(n))
		}
	}

	m.RequestsTotal.Add(float64(a.Metadata.Budget.RequestsUsed))
	if a.Metadata.Budget.Exhausted {
		m.BudgetExhausted.WithLabelValues(a.Metadata.Budget.ExhaustedReason).Inc()
	}
	m.LastRunTimestamp.Set(float64(a.Metadata.PipelineTimestamp.Unix()))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server exposes /metrics over HTTP until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the metrics listener.
func NewServer(addr string, metrics *Metrics, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
}

// Run blocks serving metrics until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("metrics listener started")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
