package eval

import "purplevm/pkg/ast"

// EvalMatch handles (match subject (pattern body) (pattern body) ...).
// Clauses are tried in order; the first whose pattern matches the
// evaluated subject has its body evaluated under the bindings the pattern
// introduced. Patterns:
//
//	_            wildcard, matches anything, binds nothing
//	sym          binds the whole matched value to sym
//	(cons p q)   matches a cons cell, matching p against its car and q
//	             against its cdr (p and q may themselves be patterns)
//	anything else is a literal, matched by value equality against the
//	             subject
func EvalMatch(expr, menv *ast.Value) *ast.Value {
	args := expr.Cdr
	if ast.IsNil(args) {
		return ast.NewError("match: requires a subject")
	}

	subj := Eval(args.Car, menv)

	for c := args.Cdr; ast.IsCell(c); c = c.Cdr {
		clause := c.Car
		if !ast.IsCell(clause) || !ast.IsCell(clause.Cdr) {
			continue
		}
		pattern := clause.Car
		body := clause.Cdr.Car

		bindEnv, ok := matchPattern(pattern, subj, menv.Env)
		if !ok {
			continue
		}
		bodyMenv := ast.NewMenv(bindEnv, menv.Parent, menv.Level, menv.CopyHandlers())
		return Eval(body, bodyMenv)
	}

	return ast.NewError("match: no clause matched")
}

// matchPattern attempts to match pattern against val, extending env with
// any bindings the pattern introduces. Reports whether the match succeeded;
// on failure env is returned unchanged.
func matchPattern(pattern, val, env *ast.Value) (*ast.Value, bool) {
	if ast.IsSym(pattern) {
		if ast.SymEqStr(pattern, "_") {
			return env, true
		}
		return EnvExtend(env, pattern, val), true
	}

	if ast.IsCell(pattern) && ast.SymEqStr(pattern.Car, "cons") {
		if !ast.IsCell(val) {
			return env, false
		}
		carPat := pattern.Cdr.Car
		cdrPat := pattern.Cdr.Cdr.Car

		carEnv, ok := matchPattern(carPat, val.Car, env)
		if !ok {
			return env, false
		}
		cdrEnv, ok := matchPattern(cdrPat, val.Cdr, carEnv)
		if !ok {
			return env, false
		}
		return cdrEnv, true
	}

	if matchLiteral(pattern, val) {
		return env, true
	}
	return env, false
}

// matchLiteral compares a non-binding pattern against val by value, the
// same tag-by-tag comparisons PrimEq uses.
func matchLiteral(pattern, val *ast.Value) bool {
	switch {
	case ast.IsNil(pattern):
		return ast.IsNil(val)
	case ast.IsInt(pattern):
		return ast.IsInt(val) && pattern.Int == val.Int
	case ast.IsSym(pattern):
		return ast.IsSym(val) && ast.SymEq(pattern, val)
	default:
		return pattern == val
	}
}
