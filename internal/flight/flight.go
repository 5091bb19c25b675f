// Package flight coalesces concurrent calls that share a key. The shared
// call runs detached from the context of whichever caller started it and is
// cancelled only once every caller has stopped waiting.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group is safe for concurrent use. The zero value is ready to use.
type Group struct {
	sf singleflight.Group

	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Do runs fn once for all concurrent callers of key and returns its result.
// A caller whose ctx ends gets ctx.Err() back; the shared call keeps running
// for the others.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call)
	}
	c := g.calls[key]
	if c == nil {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{ctx: cctx, cancel: cancel}
		g.calls[key] = c
	}
	c.waiters++
	ch := g.sf.DoChan(key, func() (any, error) { return fn(c.ctx) })
	g.mu.Unlock()

	select {
	case res := <-ch:
		g.leave(key, c, false)
		return res.Val, res.Err
	case <-ctx.Done():
		g.leave(key, c, true)
		return nil, ctx.Err()
	}
}

// leave drops one waiter. The last waiter to abandon a call cancels it and
// makes the next caller start afresh.
func (g *Group) leave(key string, c *call, abandoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	if abandoned {
		g.sf.Forget(key)
	}
	c.cancel()
}
