package lazy

import "go.uber.org/zap"

// EffectHost is consumed only as a "did the callee request to suspend?"
// flag, per spec.md §1: the effect/algebraic-handler subsystem is an
// external collaborator, out of scope here beyond this one predicate.
type EffectHost interface {
	// Yielding reports whether the most recently called evaluator asked to
	// suspend (an algebraic-effect yield). The force driver treats a true
	// result as a fatal, unsupported condition.
	Yielding() bool
}

// Context bundles everything a single force() call needs beyond the handle
// and evaluator arguments: the memory interface, a logger for the fatal
// yield path, metrics, and (optionally) an effect host.
type Context struct {
	Mem     Memory
	Logger  *zap.Logger
	Metrics *Metrics
	Effects EffectHost
}

// NewContext builds a Context. logger and metrics may be nil — a nil logger
// falls back to zap.NewNop(), a nil metrics falls back to
// NewUnregisteredMetrics (counters registered only with a private registry:
// they still increment, just unobserved).
func NewContext(mem Memory, logger *zap.Logger, metrics *Metrics, effects EffectHost) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewUnregisteredMetrics()
	}
	return &Context{Mem: mem, Logger: logger, Metrics: metrics, Effects: effects}
}

// yielding reports the effect host's yield flag, or false if no effect host
// was configured (the common case for a host that never suspends).
func (ctx *Context) yielding() bool {
	if ctx.Effects == nil {
		return false
	}
	return ctx.Effects.Yielding()
}
