package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/activity-scout/internal/events"
	"github.com/JakeFAU/activity-scout/internal/metrics"
)

// PrometheusSink turns pipeline events into counters and histograms.
type PrometheusSink struct {
	fetches         *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	classifications *prometheus.CounterVec
	scores          prometheus.Histogram
	candidates      prometheus.Counter
	dedup           *prometheus.CounterVec
	terminal        *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_fetch_outcomes_total",
			Help: "Fetch attempts partitioned by site, method and status code.",
		}, []string{"site", "method", "status_code"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scout_fetch_outcome_duration_seconds",
			Help:    "Fetch attempt duration partitioned by method.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_classifications_total",
			Help: "Relevance decisions partitioned by verdict.",
		}, []string{"verdict"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scout_relevance_score",
			Help:    "Distribution of combined relevance scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_candidates_extracted_total",
			Help: "Eligible activity candidates extracted from pages.",
		}),
		dedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_dedup_outcomes_total",
			Help: "Store upserts partitioned by outcome.",
		}, []string{"outcome"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_url_terminal_total",
			Help: "URLs reaching a terminal state, partitioned by state.",
		}, []string{"state"}),
	}
	for _, collector := range []prometheus.Collector{
		s.fetches,
		s.fetchDuration,
		s.classifications,
		s.scores,
		s.candidates,
		s.dedup,
		s.terminal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindFetch:
			s.fetches.WithLabelValues(metrics.SanitizeSite(evt.URL), evt.Method, strconv.Itoa(evt.StatusCode)).Inc()
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(evt.Method).Observe(evt.Dur.Seconds())
			}
		case events.KindClassification:
			verdict := "irrelevant"
			if evt.Success {
				verdict = "relevant"
			}
			s.classifications.WithLabelValues(verdict).Inc()
			s.scores.Observe(evt.Score)
		case events.KindExtraction:
			s.candidates.Add(float64(evt.Count))
		case events.KindDedup:
			s.dedup.WithLabelValues(evt.Outcome).Inc()
		case events.KindTerminal:
			s.terminal.WithLabelValues(evt.Outcome).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
