// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccountsCreated counts successful account creations.
	AccountsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailbox_accounts_created_total",
		Help: "Total number of accounts created.",
	})

	// AccountsDeleted counts successful account deletions.
	AccountsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailbox_accounts_deleted_total",
		Help: "Total number of accounts deleted.",
	})

	// WatchersActive tracks currently running inbox watchers.
	WatchersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailbox_watchers_active",
		Help: "Number of inbox watchers currently running.",
	})

	// WatcherEventsPublished counts events published by watchers, by type.
	WatcherEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbox_watcher_events_published_total",
		Help: "Total watcher events published, by event type.",
	}, []string{"type"})

	// SSEClients tracks currently attached push subscribers.
	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailbox_sse_clients",
		Help: "Number of push subscribers currently attached.",
	})

	// SendsTotal counts outbound send attempts by outcome.
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbox_sends_total",
		Help: "Total outbound send attempts, by outcome.",
	}, []string{"outcome"})

	// HTTPRequests counts control-plane requests by method, route and code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbox_http_requests_total",
		Help: "Total HTTP control-plane requests.",
	}, []string{"method", "route", "code"})
)
