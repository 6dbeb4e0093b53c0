package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RetrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragbase_retrieval_duration_seconds",
			Help:    "End-to-end retrieval pipeline duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	RetrievalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragbase_retrieval_total",
			Help: "Total number of retrieval calls",
		},
		[]string{"status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragbase_stage_duration_seconds",
			Help:    "Per-stage pipeline duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"stage"},
	)

	GraphResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragbase_graph_results_count",
			Help:    "Number of graph facts retrieved per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	VectorResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragbase_vector_results_count",
			Help:    "Number of semantic chunks retrieved per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	FinalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragbase_final_results_count",
			Help:    "Number of results returned after diversification",
			Buckets: []float64{0, 1, 2, 5, 10},
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ragbase_events_dropped_total",
			Help: "Progress events dropped for slow subscribers",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragbase_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragbase_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(RetrievalDuration)
	prometheus.MustRegister(RetrievalTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(GraphResultsCount)
	prometheus.MustRegister(VectorResultsCount)
	prometheus.MustRegister(FinalResultsCount)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
