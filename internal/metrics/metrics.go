// Package metrics registers the engine's prometheus collectors on the
// default registry, served by the daemon's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_messages_ingested_total",
		Help: "Inbound messages merged into the store.",
	})
	StatusUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_status_updates_total",
		Help: "Status transitions applied by the reconciler.",
	})
	GapFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_gap_fills_total",
		Help: "Gap-fill batches merged after reconnect.",
	})
	OutboxSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_outbox_sent_total",
		Help: "Outbox operations transmitted.",
	})
	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_outbox_retries_total",
		Help: "Outbox transmissions that were retry-scheduled.",
	})
	OutboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_outbox_failed_total",
		Help: "Outbox operations that reached the retry ceiling.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_reconnects_total",
		Help: "Transitions into the connected state.",
	})
	MediaBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgsync_media_cache_bytes",
		Help: "Accounted size of the media cache.",
	})
)
