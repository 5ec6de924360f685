// Package stats wires gasnet's runtime counters to Prometheus, grounded
// on the teacher's own use of github.com/prometheus/client_golang for
// process metrics. Carried as an ambient concern per SPEC_FULL.md even
// though spec.md §1 lists tracing/stats collection itself out of the
// HARD CORE: the teacher never ships a component without a metrics
// surface, and this module doesn't either.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/firehose"
	"github.com/gasnet-go/gasnet/transport"
)

// Registry bundles the metrics one attached node reports; construct one
// per process and pass it as both a transport.Recorder and a
// firehose-dump source to the housekeeping package for periodic export.
type Registry struct {
	amSent   *prometheus.CounterVec
	amRecv   *prometheus.CounterVec
	amBytes  *prometheus.CounterVec
	credBlk  *prometheus.CounterVec
	fhBucket prometheus.Gauge
	exitDur  prometheus.Histogram
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		amSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasnet", Subsystem: "am", Name: "sent_total",
			Help: "Active Messages sent, by category.",
		}, []string{"category"}),
		amRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasnet", Subsystem: "am", Name: "received_total",
			Help: "Active Messages received, by category.",
		}, []string{"category"}),
		amBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasnet", Subsystem: "am", Name: "bytes_total",
			Help: "Active Message bytes transferred, by direction.",
		}, []string{"direction"}),
		credBlk: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasnet", Subsystem: "am", Name: "credit_blocked_total",
			Help: "Count of AMRequest calls that blocked on a peer's exhausted credit.",
		}, []string{"peer"}),
		fhBucket: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gasnet", Subsystem: "firehose", Name: "local_only_buckets",
			Help: "Local firehose buckets currently in use (L > 0).",
		}),
		exitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gasnet", Subsystem: "exit", Name: "coordinator_seconds",
			Help:    "Wall-clock time spent in the collective exit coordinator's body+tail.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.amSent, r.amRecv, r.amBytes, r.credBlk, r.fhBucket, r.exitDur)
	return r
}

// --- transport.Recorder -------------------------------------------------

func (r *Registry) AMSent(cat transport.Category, bytes int) {
	r.amSent.WithLabelValues(categoryLabel(cat)).Inc()
	r.amBytes.WithLabelValues("sent").Add(float64(bytes))
}

func (r *Registry) AMRecv(cat transport.Category, bytes int) {
	r.amRecv.WithLabelValues(categoryLabel(cat)).Inc()
	r.amBytes.WithLabelValues("received").Add(float64(bytes))
}

func (r *Registry) CreditBlocked(peer meta.Node) {
	r.credBlk.WithLabelValues(peer.String()).Inc()
}

func categoryLabel(cat transport.Category) string {
	switch cat {
	case transport.CatShort:
		return "short"
	case transport.CatMedium:
		return "medium"
	case transport.CatLong:
		return "long"
	case transport.CatAsyncLong:
		return "long_async"
	default:
		return "unknown"
	}
}

// ObserveExitDuration records one collective-exit body+tail duration.
func (r *Registry) ObserveExitDuration(seconds float64) { r.exitDur.Observe(seconds) }

// SampleFirehose reads the cache's local-only bucket count into the
// gauge; intended to be called on an hk interval (see hk.Reg).
func (r *Registry) SampleFirehose(c *firehose.Cache) {
	r.fhBucket.Set(float64(c.LocalOnlyBucketsPinned()))
}
