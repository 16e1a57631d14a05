package cmsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "cmsync"

// Metrics holds the Prometheus collectors updated by sync runs. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Runs           *prometheus.CounterVec
	Documents      *prometheus.CounterVec
	AssetsMirrored prometheus.Counter
	FetchRetries   prometheus.Counter
}

// NewMetrics creates and registers the sync collectors on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Sync runs by outcome.",
		}, []string{"outcome"}),
		Documents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "documents_total",
			Help:      "Processed posts by status.",
		}, []string{"status"}),
		AssetsMirrored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "assets_mirrored_total",
			Help:      "Remote assets downloaded to local storage.",
		}),
		FetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_retries_total",
			Help:      "Failed remote requests that were retried.",
		}),
	}
}

func (m *Metrics) run(outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) document(status PostStatus) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) assetMirrored() {
	if m == nil {
		return
	}
	m.AssetsMirrored.Inc()
}

func (m *Metrics) fetchRetried() {
	if m == nil {
		return
	}
	m.FetchRetries.Inc()
}
