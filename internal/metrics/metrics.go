// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "showsync_connections_active",
		Help: "The current number of WebSocket connections held by this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "showsync_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "showsync_auth_failures_total",
		Help: "Rejected connect attempts by reason.",
	}, []string{"reason"})

	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "showsync_messages_routed_total",
		Help: "Inbound envelopes by route and outcome.",
	}, []string{"route", "outcome"})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "showsync_messages_dropped_total",
		Help: "Inbound envelopes dropped before dispatch, by reason.",
	}, []string{"reason"})
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "showsync_frames_sent_total",
		Help: "Outbound frames delivered to peers.",
	})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "showsync_delivery_failures_total",
		Help: "Outbound frames that could not be delivered to a peer.",
	})

	StateApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "showsync_state_updates_total",
		Help: "Reconciled updates by result (applied, superseded, duplicate).",
	}, []string{"result"})
	StateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "showsync_state_cas_conflicts_total",
		Help: "Conditional writes that lost against a concurrent writer and were retried.",
	})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "showsync_store_errors_total",
		Help: "Backing store failures surfaced after retries, by operation.",
	}, []string{"op"})

	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "showsync_sessions_evicted_total",
		Help: "Sessions removed by the expiry sweep.",
	})
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "showsync_bus_published_total",
		Help: "Deliveries forwarded to other instances, by bus backend.",
	}, []string{"backend"})
	JournalRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "showsync_journal_records_total",
		Help: "Accepted updates appended to the state journal.",
	})
)
