// Package metrics holds the prometheus collectors shared by the mesh, the
// session loop and the rendezvous server. They live in their own package so
// that core packages can count without importing the HTTP layer.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DirectSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "penguinmesh_direct_sent_total",
		Help: "Direct messages handed to a peer channel, by type and outcome",
	}, []string{"type", "outcome"})

	DirectReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "penguinmesh_direct_received_total",
		Help: "Direct messages decoded and routed, by type",
	}, []string{"type"})

	DirectDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "penguinmesh_direct_dropped_total",
		Help: "Direct messages dropped before dispatch, by reason",
	}, []string{"reason"})

	DocWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penguinmesh_doc_writes_total",
		Help: "Register writes accepted by the local document (local and merged)",
	})

	DocRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penguinmesh_doc_rejected_total",
		Help: "Document updates or writes rejected as undecodable",
	})

	Mirrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "penguinmesh_mirrors",
		Help: "Live local mirrors of remote participants",
	})

	Links = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "penguinmesh_links",
		Help: "Open peer links",
	})

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "penguinmesh_tick_duration_seconds",
		Help:    "Wall time spent in one synchronization tick",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
	})

	RoomAnnouncements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "penguinmesh_rendezvous_announcements_total",
		Help: "Rendezvous announcements handled, by kind",
	}, []string{"kind"})
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		DirectSent, DirectReceived, DirectDropped,
		DocWrites, DocRejected,
		Mirrors, Links, TickDuration,
		RoomAnnouncements,
	}
}

// Register registers every collector on reg (the default registerer if nil).
// Collectors that are already registered are skipped.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
