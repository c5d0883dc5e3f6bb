package eval

import (
	"sync"

	"go.uber.org/zap"

	"purplevm/pkg/ast"
	"purplevm/pkg/lazy"
)

// valueCell adapts *ast.Value to the lazy.Cell interface, letting the lazy
// core's force driver operate on this interpreter's boxed values without
// knowing anything about ast.Value's field layout beyond the header it
// reserves (Tag, ScanSz, RC, RCShared, BoxValue).
type valueCell struct {
	v *ast.Value
}

func valueTagToLazy(t ast.Tag) lazy.Tag {
	switch t {
	case ast.TLazyThunk:
		return lazy.FirstLazyConTag
	case ast.TBlackhole:
		return lazy.TagBlackhole
	case ast.TIndirection:
		return lazy.TagIndirection
	case ast.TLazyPrep:
		return lazy.TagPrep
	default:
		return lazy.Tag(0)
	}
}

func (c *valueCell) Tag() lazy.Tag { return valueTagToLazy(c.v.Tag) }

func (c *valueCell) SetTag(t lazy.Tag) {
	switch {
	case t == lazy.TagBlackhole:
		c.v.Tag = ast.TBlackhole
	case t == lazy.TagIndirection:
		c.v.Tag = ast.TIndirection
	case t == lazy.TagPrep:
		c.v.Tag = ast.TLazyPrep
	case lazy.IsLazyConTag(t):
		c.v.Tag = ast.TLazyThunk
	}
}

func (c *valueCell) ScanSize() int      { return int(c.v.ScanSz) }
func (c *valueCell) SetScanSize(n int)  { c.v.ScanSz = int32(n) }
func (c *valueCell) RefCount() int64    { return c.v.RC }
func (c *valueCell) ThreadShared() bool { return c.v.RCShared }

// Field/SetField expose only index 0: the single owned child slot a thunk
// or indirection ever needs (BoxValue), reusing it the same way the rest
// of ast.Value multiplexes fields across tags.
func (c *valueCell) Field(i int) lazy.Handle { return wrapValue(c.v.BoxValue) }
func (c *valueCell) SetField(i int, h lazy.Handle) { c.v.BoxValue = unwrapValue(h) }

// cellOf canonicalizes *ast.Value -> *valueCell so the same underlying block
// always round-trips to the same Cell. The force driver's cycle guards
// (force.go's nextb == b, strategies.go's res.Cell == b) compare Cell
// identity; without this cache wrapValue would mint a fresh *valueCell on
// every call and those comparisons could never succeed through this
// adapter, even for two handles aliasing the exact same block.
var (
	cellOf   = make(map[*ast.Value]*valueCell)
	cellOfMu sync.Mutex
)

func wrapValue(v *ast.Value) lazy.Handle {
	if v == nil {
		return lazy.Handle{}
	}
	cellOfMu.Lock()
	defer cellOfMu.Unlock()
	c, ok := cellOf[v]
	if !ok {
		c = &valueCell{v: v}
		cellOf[v] = c
	}
	return lazy.Handle{Cell: c}
}

func unwrapValue(h lazy.Handle) *ast.Value {
	if lazy.IsScalar(h) {
		return nil
	}
	return h.Cell.(*valueCell).v
}

// astMemory implements lazy.Memory over ast.Value's own RC/RCShared header
// fields. Go's garbage collector owns the actual storage, so Free is a
// no-op; RC here exists purely as the lazy core's own aliasing bookkeeping,
// independent of anything the rest of the interpreter does with Value
// pointers.
type astMemory struct{}

func (astMemory) AllocCopy(c lazy.Cell) lazy.Cell {
	orig := c.(*valueCell).v
	cp := *orig
	cp.RC = 0
	cp.RCShared = false
	return wrapValue(&cp).Cell
}

func (astMemory) Free(c lazy.Cell) {}

func (astMemory) Dup(h lazy.Handle) {
	if lazy.IsScalar(h) {
		return
	}
	h.Cell.(*valueCell).v.RC++
}

func (m astMemory) Decref(h lazy.Handle) {
	if lazy.IsScalar(h) {
		return
	}
	v := h.Cell.(*valueCell).v
	if v.RC == 0 {
		m.Free(h.Cell)
		return
	}
	v.RC--
}

// thunkEval is this interpreter's evaluator closure for TLazyThunk cells: it
// evaluates the thunk's captured body in its captured meta-environment.
// Statically allocated, so lazy.StaticEvaluator's no-op Dup/Drop apply.
func thunkEval(ctx *lazy.Context, c lazy.Cell) lazy.Handle {
	vc := c.(*valueCell)
	return wrapValue(Eval(vc.v.Body, vc.v.LamEnv))
}

var thunkEvaluator = lazy.StaticEvaluator(thunkEval)

var (
	defaultLazyCtx  *lazy.Context
	defaultLazyOnce sync.Once
)

func lazyContext() *lazy.Context {
	defaultLazyOnce.Do(func() {
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		defaultLazyCtx = lazy.NewContext(astMemory{}, logger, nil, nil)
	})
	return defaultLazyCtx
}

// ForceValue drives v (the result of delay, or any ordinary already-forced
// value) to weak-head normal form. Non-lazy values pass through untouched.
func ForceValue(v *ast.Value) *ast.Value {
	if v == nil {
		return v
	}
	h := lazy.TryForce(lazyContext(), wrapValue(v), thunkEvaluator)
	return unwrapValue(h)
}
