package eval

import (
	"sync"

	"purplevm/pkg/ast"
)

// Lexical environments are alists of (sym . val) cells terminated by
// ast.Nil, newest binding first, the same cons representation every other
// list-shaped value in this interpreter already uses. The global
// environment is a second such alist, separate from whatever env a menv
// carries, so top-level define/set! don't have to walk back up a parent
// chain that doesn't exist for the REPL's flat top level.
var (
	globalEnv   = ast.Nil
	globalMutex sync.Mutex
)

// EnvExtend conses a new (sym . val) binding onto the front of env.
func EnvExtend(env, sym, val *ast.Value) *ast.Value {
	return ast.NewCell(ast.NewCell(sym, val), env)
}

// EnvLookup walks env for a binding of sym, returning its value or nil if
// unbound.
func EnvLookup(env, sym *ast.Value) *ast.Value {
	for e := env; ast.IsCell(e); e = e.Cdr {
		pair := e.Car
		if ast.IsCell(pair) && ast.SymEq(pair.Car, sym) {
			return pair.Cdr
		}
	}
	return nil
}

// EnvSet mutates the nearest existing binding of sym in env in place,
// reporting whether one was found.
func EnvSet(env, sym, val *ast.Value) bool {
	for e := env; ast.IsCell(e); e = e.Cdr {
		pair := e.Car
		if ast.IsCell(pair) && ast.SymEq(pair.Car, sym) {
			pair.Cdr = val
			return true
		}
	}
	return false
}

// GetGlobalEnv returns the top-level definition environment.
func GetGlobalEnv() *ast.Value {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	return globalEnv
}

// GlobalDefine binds sym in the global environment, rebinding in place if
// sym is already defined there (define is allowed to redefine).
func GlobalDefine(sym, val *ast.Value) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if EnvSet(globalEnv, sym, val) {
		return
	}
	globalEnv = EnvExtend(globalEnv, sym, val)
}

// GlobalLookup looks sym up in the global environment only.
func GlobalLookup(sym *ast.Value) *ast.Value {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	return EnvLookup(globalEnv, sym)
}
