package lazy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// testCell is a synthetic, in-memory Cell used only by this package's own
// tests: a minimal stand-in for whatever heap layout a real host (e.g. the
// tree-walking evaluator's boxed values) would provide.
type testCell struct {
	tag    Tag
	scan   int
	rc     int64
	shared bool
	fields []Handle
}

func newTestCell(tag Tag, fields ...Handle) *testCell {
	return &testCell{tag: tag, scan: len(fields), fields: append([]Handle{}, fields...)}
}

func (c *testCell) Tag() Tag          { return c.tag }
func (c *testCell) SetTag(t Tag)      { c.tag = t }
func (c *testCell) ScanSize() int     { return c.scan }
func (c *testCell) SetScanSize(n int) { c.scan = n }
func (c *testCell) RefCount() int64   { return c.rc }
func (c *testCell) ThreadShared() bool {
	return c.shared
}
func (c *testCell) Field(i int) Handle     { return c.fields[i] }
func (c *testCell) SetField(i int, h Handle) {
	for i >= len(c.fields) {
		c.fields = append(c.fields, Handle{})
	}
	c.fields[i] = h
}

func scalar(v int) Handle { return Handle{Scalar: v} }
func cellH(c Cell) Handle { return Handle{Cell: c} }

// testMemory adjusts each testCell's own rc field on Dup/Decref, and records
// every freed cell (keyed by cell identity) so tests can assert on which
// cells were freed and which survived.
type testMemory struct {
	freed map[Cell]bool
}

func newTestMemory() *testMemory {
	return &testMemory{freed: map[Cell]bool{}}
}

func (m *testMemory) AllocCopy(c Cell) Cell {
	tc := c.(*testCell)
	cp := &testCell{tag: tc.tag, scan: tc.scan, rc: 0, fields: append([]Handle{}, tc.fields...)}
	for _, h := range cp.fields {
		m.Dup(h)
	}
	return cp
}

func (m *testMemory) Free(c Cell) {
	m.freed[c] = true
}

func (m *testMemory) Dup(h Handle) {
	if IsScalar(h) {
		return
	}
	h.Cell.(*testCell).rc++
}

func (m *testMemory) Decref(h Handle) {
	if IsScalar(h) {
		return
	}
	tc := h.Cell.(*testCell)
	if tc.rc == 0 {
		m.Free(tc)
		return
	}
	tc.rc--
}

// funcEvaluator adapts a plain Go function with an invocation counter, so
// tests can assert "at most once" per §8.
type funcEvaluator struct {
	calls int
	fn    func(ctx *Context, c Cell) Handle
}

func (f *funcEvaluator) Dup()  {}
func (f *funcEvaluator) Drop() {}
func (f *funcEvaluator) Call(ctx *Context, c Cell) Handle {
	f.calls++
	return f.fn(ctx, c)
}

func newTestContext(t *testing.T) (*Context, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	ctx := NewContext(newTestMemory(), logger, nil, nil)
	return ctx, logs
}

const lazyThunkTag = FirstLazyConTag

func TestForceUniqueChain(t *testing.T) {
	ctx, _ := newTestContext(t)

	t2 := newTestCell(lazyThunkTag)
	t1 := newTestCell(lazyThunkTag)
	t0 := newTestCell(lazyThunkTag)

	eval := &funcEvaluator{fn: func(ctx *Context, c Cell) Handle {
		switch c {
		case t0:
			return cellH(t1)
		case t1:
			return cellH(t2)
		case t2:
			return scalar(42)
		}
		t.Fatalf("unexpected cell")
		return Handle{}
	}}

	result := Force(ctx, cellH(t0), eval)
	require.True(t, IsScalar(result))
	assert.Equal(t, 42, result.Scalar)
	assert.Equal(t, 3, eval.calls)
}

func TestForceSharedThunkTwoForces(t *testing.T) {
	ctx, _ := newTestContext(t)

	thunk := newTestCell(lazyThunkTag)
	thunk.rc = 1 // two aliases: a and b

	eval := &funcEvaluator{fn: func(ctx *Context, c Cell) Handle {
		return scalar(7)
	}}

	aHandle := cellH(thunk)
	result := Force(ctx, aHandle, eval)
	require.True(t, IsScalar(result))
	assert.Equal(t, 7, result.Scalar)
	assert.Equal(t, 1, eval.calls)

	// b still aliases the original cell, now rewritten in place.
	assert.Equal(t, TagIndirection, thunk.Tag())
	assert.Equal(t, 1, thunk.ScanSize())
	require.True(t, IsScalar(thunk.Field(0)))
	assert.Equal(t, 7, thunk.Field(0).Scalar)

	bHandle := cellH(thunk)
	result2 := TryForce(ctx, bHandle, eval)
	assert.Equal(t, 7, result2.Scalar)
	assert.Equal(t, 1, eval.calls, "evaluator must not be re-invoked for the second alias")
}

func TestForceSelfReferentialCycle(t *testing.T) {
	ctx, _ := newTestContext(t)

	var tCell *testCell
	tCell = newTestCell(lazyThunkTag)
	tCell.rc = 1

	eval := &funcEvaluator{}
	eval.fn = func(ctx *Context, c Cell) Handle {
		// The evaluator forces t itself, transitively.
		return Force(ctx, cellH(tCell), eval)
	}

	result := Force(ctx, cellH(tCell), eval)
	require.False(t, IsScalar(result))
	assert.Equal(t, TagBlackhole, result.Cell.Tag())
	assert.Same(t, tCell, result.Cell)
}

func TestForceMutualCycle(t *testing.T) {
	ctx, _ := newTestContext(t)

	a := newTestCell(lazyThunkTag)
	a.rc = 1
	b := newTestCell(lazyThunkTag)
	b.rc = 1

	evalA := &funcEvaluator{}
	evalB := &funcEvaluator{}
	evalA.fn = func(ctx *Context, c Cell) Handle { return Force(ctx, cellH(b), evalB) }
	evalB.fn = func(ctx *Context, c Cell) Handle { return Force(ctx, cellH(a), evalA) }

	result := Force(ctx, cellH(a), evalA)
	require.False(t, IsScalar(result))
	assert.Equal(t, TagBlackhole, result.Cell.Tag())

	// Exactly one of a, b sits in the black hole; the other resolved to an
	// indirection pointing (directly or via the returned handle) at it.
	if result.Cell == a {
		assert.Equal(t, TagIndirection, b.Tag())
	} else {
		assert.Equal(t, TagIndirection, a.Tag())
	}
}

func TestForceIndirectionChain(t *testing.T) {
	ctx, _ := newTestContext(t)

	i2 := newTestCell(TagIndirection, scalar(99))
	i2.rc = 1 // survives: refcount decremented, not freed
	i1 := newTestCell(TagIndirection, cellH(i2))
	i1.rc = 0 // freed by the driver's indirection-follow path
	i0 := newTestCell(TagIndirection, cellH(i1))
	i0.rc = 0

	mem := newTestMemory()
	ctx.Mem = mem

	eval := &funcEvaluator{fn: func(ctx *Context, c Cell) Handle {
		t.Fatalf("evaluator should not be invoked for a pure indirection chain")
		return Handle{}
	}}

	result := Force(ctx, cellH(i0), eval)
	require.True(t, IsScalar(result))
	assert.Equal(t, 99, result.Scalar)

	assert.True(t, mem.freed[i0])
	assert.True(t, mem.freed[i1])
	assert.False(t, mem.freed[i2])
	assert.Equal(t, int64(0), i2.rc)
}

// yieldHost implements EffectHost, reporting a yield request made once by
// the evaluator under test.
type yieldHost struct{ yielded bool }

func (h *yieldHost) Yielding() bool { return h.yielded }

func TestForceYieldRejectionIsFatal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic))

	host := &yieldHost{}
	ctx := NewContext(newTestMemory(), logger, nil, host)

	thunk := newTestCell(lazyThunkTag)
	thunk.rc = 1

	calls := 0
	eval := &funcEvaluator{fn: func(ctx *Context, c Cell) Handle {
		calls++
		host.yielded = true
		return scalar(0)
	}}

	assert.Panics(t, func() {
		Force(ctx, cellH(thunk), eval)
	})
	assert.Equal(t, 1, calls)

	entries := logs.FilterLevelExact(zapcore.FatalLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "lazy constructor attempted to yield", entries[0].Message)
}

func TestClassify(t *testing.T) {
	unique := newTestCell(lazyThunkTag)
	assert.Equal(t, ClassUnique, Classify(unique))

	local := newTestCell(lazyThunkTag)
	local.rc = 1
	assert.Equal(t, ClassLocal, Classify(local))

	shared := newTestCell(lazyThunkTag)
	shared.rc = 1
	shared.shared = true
	assert.Equal(t, ClassThreadShared, Classify(shared))
}

func TestMakeIndirectUniqueFreesAndReturnsValue(t *testing.T) {
	ctx, _ := newTestContext(t)
	mem := ctx.Mem.(*testMemory)

	target := newTestCell(lazyThunkTag)
	result := MakeIndirect(ctx, target, scalar(5))

	assert.True(t, IsScalar(result))
	assert.Equal(t, 5, result.Scalar)
	assert.True(t, mem.freed[target])
}

func TestMakeIndirectSharedRewritesInPlace(t *testing.T) {
	ctx, _ := newTestContext(t)

	target := newTestCell(lazyThunkTag)
	target.rc = 1
	result := MakeIndirect(ctx, target, scalar(5))

	require.False(t, IsScalar(result))
	assert.Same(t, target, result.Cell)
	assert.Equal(t, TagIndirection, target.Tag())
	assert.Equal(t, 1, target.ScanSize())
	assert.Equal(t, 5, target.Field(0).Scalar)
}
