package vimutex

import (
	"context"
)

// threadContextKey is a unique type used as a key for storing Thread
// values in a context.
type threadContextKey struct{}

func withThreadContext(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadContextKey{}, t)
}

// ThreadFromContext retrieves the Thread a context belongs to.
func ThreadFromContext(ctx context.Context) (*Thread, bool) {
	val, ok := ctx.Value(threadContextKey{}).(*Thread)
	return val, ok
}

// MustThreadFromContext retrieves the Thread a context belongs to,
// panicking if there is none. Thread bodies started by Runtime.Go
// always have one.
func MustThreadFromContext(ctx context.Context) *Thread {
	val, ok := ctx.Value(threadContextKey{}).(*Thread)
	if !ok {
		panic("vimutex: thread not found in context")
	}
	return val
}
