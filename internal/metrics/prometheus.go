package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docchat_chat_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"cached"},
	)

	ChatTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_chat_total",
			Help: "Total number of chat requests by outcome",
		},
		[]string{"status"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docchat_retrieval_results_count",
			Help:    "Number of chunks retrieved per chat question",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"namespace"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"namespace"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_documents_ingested_total",
			Help: "Upload attempts by outcome",
		},
		[]string{"status"},
	)

	DocumentsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_documents_deleted_total",
			Help: "Delete attempts by outcome",
		},
		[]string{"status"},
	)

	Compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_compensations_total",
			Help: "Compensating metadata deletes after failed indexing",
		},
		[]string{"outcome"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docchat_chunks_indexed_total",
			Help: "Total chunks written to the vector index",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docchat_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ChatDuration,
			ChatTotal,
			RetrievalResultsCount,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
			DocumentsIngested,
			DocumentsDeleted,
			Compensations,
			ChunksIndexed,
			CircuitBreakerState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
