package domain

import (
	"context"
	"sync"
	"time"
)

// Clock supplies timestamps to the engine.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CancellationToken is read by the engine at stage boundaries.
type CancellationToken interface {
	Aborted() bool
	// Done is closed once the token is aborted.
	Done() <-chan struct{}
}

// CancelSource is a CancellationToken owned by the caller.
type CancelSource struct {
	once sync.Once
	done chan struct{}
}

// NewCancelSource returns a token that is not yet aborted.
func NewCancelSource() *CancelSource {
	return &CancelSource{done: make(chan struct{})}
}

// Abort marks the token aborted. Calling it more than once is a no-op.
func (c *CancelSource) Abort() {
	c.once.Do(func() { close(c.done) })
}

func (c *CancelSource) Aborted() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *CancelSource) Done() <-chan struct{} { return c.done }

type contextToken struct {
	ctx context.Context
}

// ContextToken exposes ctx cancellation as a CancellationToken.
func ContextToken(ctx context.Context) CancellationToken {
	return contextToken{ctx: ctx}
}

func (t contextToken) Aborted() bool         { return t.ctx.Err() != nil }
func (t contextToken) Done() <-chan struct{} { return t.ctx.Done() }
