package lazy

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the force driver's observability counters. All are monotonic
// counters: the driver never needs a gauge, since nothing it tracks can
// decrease within a process lifetime.
type Metrics struct {
	ForceTotal           prometheus.Counter
	BlackholeHits        prometheus.Counter
	IndirectionsFollowed prometheus.Counter
	YieldRejections      prometheus.Counter
}

// NewMetrics builds a Metrics and registers it with reg. Panics if
// registration fails (duplicate registration of the same collector in the
// same registry), matching the fail-fast init-time style prometheus client
// code generally uses.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ForceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purplevm_lazy_force_total",
			Help: "Total number of Force driver invocations.",
		}),
		BlackholeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purplevm_lazy_blackhole_hits_total",
			Help: "Number of times Force observed a self-referential black hole.",
		}),
		IndirectionsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purplevm_lazy_indirections_followed_total",
			Help: "Number of indirection cells followed by the force driver.",
		}),
		YieldRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purplevm_lazy_yield_rejections_total",
			Help: "Number of times a forced evaluator attempted to suspend.",
		}),
	}
	reg.MustRegister(m.ForceTotal, m.BlackholeHits, m.IndirectionsFollowed, m.YieldRejections)
	return m
}

// NewUnregisteredMetrics builds a Metrics whose live counters are registered
// only with a fresh private registry that nothing else holds, so they still
// increment but nothing can scrape them. Used as the zero-value fallback by
// NewContext, and handy in tests that don't want to touch the default
// registry.
func NewUnregisteredMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
