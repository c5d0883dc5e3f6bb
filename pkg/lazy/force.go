package lazy

// Force drives next — an owned handle known to be lazy (IsLazy(next) must
// hold) — to weak-head-normal form, per §4.4. It never recurses into
// itself: a chain of indirections or re-forceable results is walked with a
// plain loop, so its native stack usage is constant regardless of chain
// length. Recursive forcing triggered inside eval is the evaluator's own
// business and is not this driver's concern.
func Force(ctx *Context, next Handle, eval Evaluator) Handle {
	ctx.Metrics.ForceTotal.Inc()

	eval.Dup()
	defer eval.Drop()

	b := next.Cell

	for {
		tag := b.Tag()

		if tag == TagIndirection {
			res := b.Field(0)
			if b.RefCount() == 0 {
				ctx.Mem.Free(b)
			} else {
				ctx.Mem.Dup(res)
				ctx.Mem.Decref(Handle{Cell: b})
			}
			ctx.Metrics.IndirectionsFollowed.Inc()
			next = res
		} else {
			next = dispatch(ctx, b, eval)
			if ctx.yielding() {
				ctx.Metrics.YieldRejections.Inc()
				ctx.Logger.Fatal("lazy constructor attempted to yield")
			}
		}

		if IsScalar(next) {
			return next
		}

		nextb := next.Cell
		nextTag := nextb.Tag()

		if nextb == b && nextTag == TagBlackhole {
			// The black hole returned from forceThreadLocal step 1 (§4.4
			// step 4): a cycle was detected on re-entry. Surface it as-is.
			return next
		}

		if !IsLazyOrReserved(nextTag) {
			return next
		}

		b = nextb
	}
}

// TryForce implements the "force only if needed" external entry point
// (§6): if handle denotes a lazy block, delegate to Force; otherwise drop
// eval (it is unused) and return handle unchanged.
func TryForce(ctx *Context, handle Handle, eval Evaluator) Handle {
	if !IsLazy(handle) {
		eval.Dup()
		eval.Drop()
		return handle
	}
	return Force(ctx, handle, eval)
}

// MakeIndirect implements §6's make_indirect: if target is unique, free it
// and return value outright; otherwise rewrite target into an indirection
// pointing at value and return target. Used by evaluators that choose not
// to reuse their input cell.
func MakeIndirect(ctx *Context, target Cell, value Handle) Handle {
	if target.RefCount() == 0 {
		ctx.Mem.Free(target)
		return value
	}
	target.SetField(0, value)
	target.SetScanSize(1)
	target.SetTag(TagIndirection)
	return Handle{Cell: target}
}
