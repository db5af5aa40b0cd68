package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters are registered on the default registry; embedders that expose
// promhttp get them for free, everyone else pays one atomic add per event.
var (
	eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_applied_total",
		Help: "Push events merged into the reconciliation engine, by type.",
	}, []string{"type"})

	eventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_duplicate_total",
		Help: "Push events dropped as duplicates of already-applied state.",
	}, []string{"type"})

	pagesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_history_pages_merged_total",
		Help: "History pages merged into per-thread message lists.",
	})

	rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_optimistic_rollbacks_total",
		Help: "Optimistic mutations reverted after a failed request.",
	})

	socketReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_socket_reconnects_total",
		Help: "Successful socket reconnections after a drop.",
	})

	uploadChunksPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_upload_chunks_pushed_total",
		Help: "Upload chunks transferred successfully.",
	})

	uploadChunkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_upload_chunk_retries_total",
		Help: "Upload chunk push attempts that failed and were retried.",
	})

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_upload_bytes_total",
		Help: "Attachment bytes transferred to the server.",
	})
)
