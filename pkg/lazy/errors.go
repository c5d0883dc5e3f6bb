package lazy

import "github.com/pkg/errors"

// NotSupportedErr names the condition the force driver treats as fatal: a
// forced evaluator attempting to suspend (an algebraic-effect yield across
// a force boundary). The driver's fatal log entry carries only the message
// "lazy constructor attempted to yield"; this error value is not attached
// to it, and no function in this package returns it.
var NotSupportedErr = errors.New("lazy: suspending evaluator is not supported across a force boundary")

// ErrBadScanSize describes a cell whose reported scan-size is inconsistent
// with its tag — e.g. a black hole claiming a nonzero scan-size. No function
// in this package returns it, and Force never validates scan-size; it is
// available to hosts that assert invariants at construction time.
var ErrBadScanSize = errors.New("lazy: scan-size inconsistent with cell tag")
