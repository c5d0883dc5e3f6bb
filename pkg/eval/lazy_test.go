package eval

import (
	"testing"

	"purplevm/pkg/ast"
	"purplevm/pkg/parser"
)

func TestDelayForceBasic(t *testing.T) {
	result := evalString("(force (delay (+ 1 2)))")
	if result == nil || !ast.IsInt(result) {
		t.Fatalf("expected int, got %v", result)
	}
	if result.Int != 3 {
		t.Errorf("force(delay (+ 1 2)) = %d, want 3", result.Int)
	}
}

func TestForceOnNonThunkIsNoop(t *testing.T) {
	result := evalString("(force 42)")
	if result == nil || !ast.IsInt(result) || result.Int != 42 {
		t.Errorf("force on a non-thunk should pass its argument through unchanged, got %v", result)
	}
}

func TestDelayIsNotEvaluatedUntilForced(t *testing.T) {
	thunk := evalString("(delay (car '()))")
	if thunk == nil || !ast.IsLazyThunk(thunk) {
		t.Fatalf("delay should produce a lazy thunk, got %v", thunk)
	}
}

func TestForceSharedThunkTwiceSameValue(t *testing.T) {
	result := evalString(`
		(let ((t (delay (+ 1 1))))
		  (let ((a (force t)))
		    (let ((b (force t)))
		      (+ a b))))`)
	if result == nil || !ast.IsInt(result) {
		t.Fatalf("expected int, got %v", result)
	}
	if result.Int != 4 {
		t.Errorf("forcing a shared thunk twice should yield the same value both times, got %d", result.Int)
	}
}

func TestForceValueHandlesNil(t *testing.T) {
	if got := ForceValue(nil); got != nil {
		t.Errorf("ForceValue(nil) = %v, want nil", got)
	}
}

// TestDelayForceSelfCycle builds a thunk whose own body forces itself,
// the surface-language analogue of pkg/lazy's TestForceSelfReferentialCycle.
// It constructs the thunk by hand rather than through (letrec ...) because
// ordinary variable binding never bumps ast.Value.RC (only astMemory.Dup
// does, and nothing in eval's env plumbing calls it), so a letrec-bound
// thunk would classify as ClassUnique and recurse natively instead of
// black-holing. Setting RC directly exercises the ClassLocal path the way
// pkg/lazy's own tests set rc = 1 on their synthetic cells.
func TestDelayForceSelfCycle(t *testing.T) {
	xSym := ast.NewSym("x")
	env := EnvExtend(DefaultEnv(), xSym, ast.Nil)
	bodyMenv := NewMenv(ast.Nil, env)

	p := parser.New("(force x)")
	body, err := p.Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	thunk := ast.NewLazyThunk(body, bodyMenv)
	if !EnvSet(env, xSym, thunk) {
		t.Fatal("failed to bind x to its own thunk")
	}
	thunk.RC = 1

	result := ForceValue(thunk)
	if !ast.IsBlackhole(result) {
		t.Fatalf("expected a self-referential thunk to come back black-holed, got %v", result)
	}
	if result != thunk {
		t.Errorf("expected the black-holed cell to be the same block, got a different *ast.Value")
	}
}
