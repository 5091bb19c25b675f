package adherence

import (
	"context"

	"github.com/kalambet/studysync/internal/models"
)

// Snapshot is the cached adherence of one study, grouped by instance guid.
type Snapshot map[string][]models.AdherenceRecord

// Observe streams the cached records of studyID. The current snapshot is sent
// first and a fresh one follows every pulled page, local update and upload.
// Each subscriber holds at most one undelivered snapshot.
//
// The channel is closed when cancel is called, ctx is done, or the
// coordinator is shut down.
func (c *Coordinator) Observe(ctx context.Context, studyID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.pubMu.Lock()
	c.obsMu.Lock()
	if c.closed {
		c.obsMu.Unlock()
		c.pubMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	sub := &observer{ch: ch, done: make(chan struct{})}
	if c.observers[studyID] == nil {
		c.observers[studyID] = make(map[uint64]*observer)
	}
	c.observers[studyID][id] = sub
	c.obsMu.Unlock()

	if snap, err := c.AllCached(ctx, studyID); err != nil {
		c.logger.Warn("reading observed adherence", "study", studyID, "error", err)
	} else {
		c.obsMu.Lock()
		offer(ch, snap)
		c.obsMu.Unlock()
	}
	c.pubMu.Unlock()

	cancel := func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		subs := c.observers[studyID]
		if subs[id] != sub {
			return
		}
		delete(subs, id)
		sub.close()
		if len(subs) == 0 {
			delete(c.observers, studyID)
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

// Shutdown closes every observer channel. Later calls to Observe return a
// closed channel.
func (c *Coordinator) Shutdown() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for study, subs := range c.observers {
		for _, sub := range subs {
			sub.close()
		}
		delete(c.observers, study)
	}
}

type observer struct {
	ch   chan Snapshot
	done chan struct{}
}

func (o *observer) close() {
	close(o.done)
	close(o.ch)
}

// publish delivers a fresh snapshot of studyID to its observers. Reads and
// deliveries are serialized so observers never go back to an older snapshot.
func (c *Coordinator) publish(ctx context.Context, studyID string) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.obsMu.Lock()
	n := len(c.observers[studyID])
	c.obsMu.Unlock()
	if n == 0 {
		return
	}

	snap, err := c.AllCached(context.WithoutCancel(ctx), studyID)
	if err != nil {
		c.logger.Warn("reading back adherence records", "study", studyID, "error", err)
		return
	}

	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for _, sub := range c.observers[studyID] {
		offer(sub.ch, snap)
	}
}

// offer replaces any undelivered snapshot in ch with s. Callers hold obsMu.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- s
}
