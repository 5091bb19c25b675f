package cache

import (
	"context"
	"errors"

	"github.com/kalambet/studysync/internal/storage"
)

// Observe streams the value stored under key. The current value, if any, is
// sent first and every successful write follows. Each subscriber holds at
// most one undelivered value; a slow reader only sees the latest.
//
// The channel is closed when cancel is called, ctx is done, or the cache is
// shut down.
func (c *Cache) Observe(ctx context.Context, key storage.ResourceKey) (<-chan storage.Resource, func()) {
	ch := make(chan storage.Resource, 1)

	// Holding the writer lock keeps a concurrent write from landing between
	// registration and the initial read.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	sub := &subscriber{ch: ch, done: make(chan struct{})}
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]*subscriber)
	}
	c.subs[key][id] = sub
	c.mu.Unlock()

	cur, err := c.store.GetResource(ctx, key)
	switch {
	case err == nil:
		c.mu.Lock()
		offer(ch, cur)
		c.mu.Unlock()
	case !errors.Is(err, storage.ErrNotFound):
		c.logger.Warn("reading observed resource", "type", key.Type, "id", key.Identifier, "error", err)
	}
	c.writeMu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[key]
		if subs[id] != sub {
			return
		}
		delete(subs, id)
		sub.close()
		if len(subs) == 0 {
			delete(c.subs, key)
		}
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return ch, cancel
}

type subscriber struct {
	ch   chan storage.Resource
	done chan struct{}
}

func (s *subscriber) close() {
	close(s.done)
	close(s.ch)
}

// Shutdown closes every observer channel. Later calls to Observe return a
// closed channel.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for key, subs := range c.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(c.subs, key)
	}
}

// publishLocked reads back key and delivers it to its observers. Callers
// hold writeMu.
func (c *Cache) publishLocked(ctx context.Context, key storage.ResourceKey) {
	c.mu.Lock()
	n := len(c.subs[key])
	c.mu.Unlock()
	if n == 0 {
		return
	}

	r, err := c.store.GetResource(ctx, key)
	if err != nil {
		c.logger.Warn("reading back written resource", "type", key.Type, "id", key.Identifier, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs[key] {
		offer(sub.ch, r)
	}
}

// offer replaces any undelivered value in ch with r. Callers hold c.mu, the
// only place values are sent.
func offer(ch chan storage.Resource, r storage.Resource) {
	select {
	case ch <- r:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- r
}
