package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 管线指标
var (
	EmbeddingRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "embedding",
		Name:      "requests_total",
		Help:      "Total embedding API requests issued, including retries.",
	})

	EmbeddingRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "embedding",
		Name:      "retries_total",
		Help:      "Embedding requests retried after a rate-limit response.",
	})

	VectorsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "vector_store",
		Name:      "vectors_upserted_total",
		Help:      "Vectors written to the vector store.",
	})

	DocumentsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "indexing",
		Name:      "documents_indexed_total",
		Help:      "Documents that completed the chunk-embed-upsert pipeline.",
	})

	DocumentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "indexing",
		Name:      "document_failures_total",
		Help:      "Per-document indexing failures by reason code.",
	}, []string{"reason"})

	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rag",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "End-to-end retrieval latency.",
		Buckets:   prometheus.DefBuckets,
	})
)
