package dcontext

import "context"

// DetachedContext returns a context that won't be canceled when the parent
// context is canceled. Used for work that has to finish once the index
// transaction has committed, such as unlinking a blob whose refcount dropped
// to zero.
//
// The detached context preserves all values from the parent context (logger,
// request id) but removes cancellation and deadline behavior.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
