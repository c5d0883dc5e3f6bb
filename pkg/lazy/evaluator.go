package lazy

// Evaluator is the compiler-generated (or, here, host-written) per-datatype
// closure the force driver invokes to turn a still-lazy cell into its
// head-normal form. By contract the closure:
//
//   - does not retain the cell handle it is given (it is borrowed);
//   - may allocate;
//   - may itself trigger further forcing (recursive or of unrelated cells);
//   - does not observe the cell's current tag — the driver may have
//     already mutated it to TagBlackhole by the time Call runs.
//
// Dup/Drop model the closure handle's own lifetime. For a statically
// allocated evaluator (the common case — one Go value shared by every call
// site for a given datatype) both are no-ops. A dynamically allocated
// evaluator (one that closes over per-call-site state and is itself
// refcounted) must implement them correctly.
type Evaluator interface {
	// Dup must be called before Call to guarantee the closure survives the
	// call, mirroring how a compiled callee's closure reference would be
	// retained across the call.
	Dup()

	// Drop balances a prior Dup.
	Drop()

	// Call evaluates a borrowed lazy cell and returns an owned handle to
	// its head-normal form.
	Call(ctx *Context, c Cell) Handle
}

// StaticEvaluator adapts a plain function into an Evaluator whose Dup/Drop
// are no-ops, for the common case of a statically allocated per-datatype
// eval closure.
type StaticEvaluator func(ctx *Context, c Cell) Handle

// Dup is a no-op: static evaluators need no lifetime management.
func (StaticEvaluator) Dup() {}

// Drop is a no-op: static evaluators need no lifetime management.
func (StaticEvaluator) Drop() {}

// Call invokes the underlying function.
func (f StaticEvaluator) Call(ctx *Context, c Cell) Handle {
	return f(ctx, c)
}
