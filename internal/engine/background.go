package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Background runs fire-and-forget work such as pushes triggered by local
// edits, and drains it on shutdown.
type Background struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	closed bool
}

func NewBackground() *Background {
	ctx, cancel := context.WithCancel(context.Background())
	return &Background{ctx: ctx, cancel: cancel}
}

// Go runs fn in a new goroutine. After Shutdown has begun fn is dropped.
func (b *Background) Go(fn func(ctx context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.group.Go(func() error {
		fn(b.ctx)
		return nil
	})
}

// Shutdown stops accepting work and waits for running work to finish. When
// ctx ends first, running work is cancelled and ctx's error is returned.
func (b *Background) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}
