package lazy

// forceUnique implements §4.3.1: b has refcount 0, so no aliasing is
// possible and neither a black hole nor an indirection is ever needed. The
// evaluator consumes b's fields directly; whether it reuses b's storage or
// allocates fresh and drops b is the evaluator's own business.
func forceUnique(ctx *Context, b Cell, eval Evaluator) Handle {
	eval.Dup()
	defer eval.Drop()
	return eval.Call(ctx, b)
}

// forceThreadLocal implements §4.3.2. b has refcount >= 1 and is not
// thread-shared: aliases exist within the current thread only.
func forceThreadLocal(ctx *Context, b Cell, eval Evaluator) Handle {
	if IsBlackhole(b) {
		// Re-entrant force on a block already being forced by this thread.
		// Return it unchanged; the caller's downstream pattern-match will
		// fail to match any user-visible constructor, surfacing the cycle.
		ctx.Metrics.BlackholeHits.Inc()
		return Handle{Cell: b}
	}

	x := ctx.Mem.AllocCopy(b)

	b.SetTag(TagBlackhole)
	b.SetScanSize(0)

	eval.Dup()
	res := eval.Call(ctx, x)
	eval.Drop()

	if ctx.yielding() {
		ctx.Metrics.YieldRejections.Inc()
		ctx.Logger.Fatal("lazy constructor attempted to yield")
	}

	// The evaluator's own (possibly transitive) recursion re-entered b and
	// hit the step-1 check above, handing back b's own black hole as res.
	// Installing that as b's indirection target would make b point at
	// itself — the driver's step-4 "returned black hole" clause exists
	// precisely so this case propagates instead: leave b in LAZY_EVAL and
	// return res (== b, unchanged) directly.
	if !IsScalar(res) && res.Cell == b {
		return res
	}

	b.SetField(0, res)
	b.SetScanSize(1)
	b.SetTag(TagIndirection)

	return Handle{Cell: b}
}

// forceThreadShared implements §4.3.3. A fully concurrent design would CAS
// the tag to TagPrep and install a wait-list, but that is outlined only
// (§4.3.3, §9's open question on cheap reduction to the local path); this
// spec's scope delegates outright. Kept as a distinct exported-shape entry
// point so a future concurrent implementation can replace just this
// function without touching the driver.
func forceThreadShared(ctx *Context, b Cell, eval Evaluator) Handle {
	return forceThreadLocal(ctx, b, eval)
}

// dispatch classifies b and routes to the matching strategy, per §4.2/§4.3.
func dispatch(ctx *Context, b Cell, eval Evaluator) Handle {
	switch Classify(b) {
	case ClassUnique:
		return forceUnique(ctx, b, eval)
	case ClassThreadShared:
		return forceThreadShared(ctx, b, eval)
	default:
		return forceThreadLocal(ctx, b, eval)
	}
}
