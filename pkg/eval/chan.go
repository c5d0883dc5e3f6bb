package eval

import "purplevm/pkg/ast"

// OS-thread channels (ast.TChan) wrap a plain Go channel, distinct from the
// cooperative GreenChannel in green.go: these block (or poll) on the
// real Go scheduler rather than the interpreter's own run loop.

// ChanSend attempts a non-blocking send, reporting whether it succeeded.
func ChanSend(ch, val *ast.Value) bool {
	select {
	case ch.ChanSend <- val:
		return true
	default:
		return false
	}
}

// ChanRecv attempts a non-blocking receive, reporting whether a value was
// available. A closed channel yields (ast.Nil, false).
func ChanRecv(ch *ast.Value) (*ast.Value, bool) {
	select {
	case v, open := <-ch.ChanRecv:
		if !open {
			return ast.Nil, false
		}
		return v, true
	default:
		return nil, false
	}
}

// ChanSendBlocking sends val on ch, blocking until a receiver is ready.
func ChanSendBlocking(ch, val *ast.Value) {
	ch.ChanSend <- val
}

// ChanRecvBlocking receives from ch, blocking until a value is available.
// Returns ast.Nil if the channel is closed and drained.
func ChanRecvBlocking(ch *ast.Value) *ast.Value {
	v, open := <-ch.ChanRecv
	if !open {
		return ast.Nil
	}
	return v
}

// ChanClose closes ch so pending and future receives drain to ast.Nil.
func ChanClose(ch *ast.Value) {
	close(ch.ChanSend)
}
