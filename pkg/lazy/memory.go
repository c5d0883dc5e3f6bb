package lazy

// Memory is the abstract heap/refcount interface the lazy core consumes.
// The core never allocates or frees on its own initiative outside of these
// calls; the host owns the actual block representation.
type Memory interface {
	// AllocCopy returns a fresh cell that is a field-wise copy of c, with
	// refcount 0, preserving tag and scan-size. Each of the copy's owned
	// child handles must already have been dup'd so the original and the
	// copy are independently valid owners — AllocCopy, not the caller, is
	// responsible for that.
	AllocCopy(c Cell) Cell

	// Free releases a cell's storage. Called only when the caller has
	// established the cell is unreachable (refcount dropped to -1, or it
	// was already unique).
	Free(c Cell)

	// Dup increments the reference count behind a handle. A no-op for
	// scalar handles.
	Dup(h Handle)

	// Decref decrements the reference count behind a handle, freeing it if
	// the count drops below zero. A no-op for scalar handles.
	Decref(h Handle)
}
