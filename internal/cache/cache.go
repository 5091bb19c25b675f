// Package cache is the offline-first resource cache. It wraps the SQLite
// store with a single writer, change notification, and load-on-miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/studysync/internal/flight"
	"github.com/kalambet/studysync/internal/storage"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Loader fetches a fresh JSON payload for a resource.
type Loader func(ctx context.Context) (string, error)

// Classifier maps a load failure to the status recorded on the cached row.
type Classifier func(error) storage.ResourceStatus

// Cache serializes writes to the store and notifies observers of changes.
// Reads go straight to the store and may run concurrently.
type Cache struct {
	store    *storage.Store
	classify Classifier
	clock    Clock
	logger   *slog.Logger

	writeMu sync.Mutex
	loads   flight.Group

	mu     sync.Mutex
	subs   map[storage.ResourceKey]map[uint64]*subscriber
	nextID uint64
	closed bool
}

// New creates a Cache over store. A nil classify marks every failed load as
// failed.
func New(store *storage.Store, classify Classifier) *Cache {
	return NewWithClock(store, classify, realClock{})
}

// NewWithClock creates a Cache with a custom clock (for testing).
func NewWithClock(store *storage.Store, classify Classifier, clock Clock) *Cache {
	if classify == nil {
		classify = func(error) storage.ResourceStatus { return storage.StatusFailed }
	}
	return &Cache{
		store:    store,
		classify: classify,
		clock:    clock,
		logger:   slog.Default(),
		subs:     make(map[storage.ResourceKey]map[uint64]*subscriber),
	}
}

// Store returns the underlying store.
func (c *Cache) Store() *storage.Store { return c.store }

// Upsert writes r. When the stored row is dirty and overwriteDirty is false
// nothing is written and false is returned.
func (c *Cache) Upsert(ctx context.Context, r storage.Resource, overwriteDirty bool) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if r.LastUpdate.IsZero() {
		r.LastUpdate = c.clock.Now()
	}
	written, err := c.store.UpsertResource(ctx, r, overwriteDirty)
	if err != nil || !written {
		return written, err
	}
	c.publishLocked(ctx, r.ResourceKey)
	return true, nil
}

func (c *Cache) Get(ctx context.Context, key storage.ResourceKey) (storage.Resource, error) {
	return c.store.GetResource(ctx, key)
}

func (c *Cache) List(ctx context.Context, t storage.ResourceType, studyID string) ([]storage.Resource, error) {
	return c.store.ListResources(ctx, t, studyID)
}

// GetDirty returns rows of type t in studyID that still need to be pushed.
func (c *Cache) GetDirty(ctx context.Context, t storage.ResourceType, studyID string) ([]storage.Resource, error) {
	return c.store.ListDirtyResources(ctx, t, studyID)
}

// MarkSynced records an upload outcome if the row still holds expectedJSON.
func (c *Cache) MarkSynced(ctx context.Context, key storage.ResourceKey, expectedJSON string, status storage.ResourceStatus, dirty bool) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	matched, err := c.store.MarkResourceSynced(ctx, key, expectedJSON, status, dirty)
	if err != nil || !matched {
		return matched, err
	}
	c.publishLocked(ctx, key)
	return true, nil
}

// SetStatus updates the sync status without touching payload or dirty flag.
func (c *Cache) SetStatus(ctx context.Context, key storage.ResourceKey, status storage.ResourceStatus) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.SetResourceStatus(ctx, key, status); err != nil {
		return err
	}
	c.publishLocked(ctx, key)
	return nil
}

// Clear removes every cached row.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.store.Clear(ctx)
}

// GetOrLoad returns the cached resource if it is dirty or younger than
// maxAge. Otherwise it calls load and caches the result. When the load fails
// and a cached copy exists, the copy is returned with its status updated.
func (c *Cache) GetOrLoad(ctx context.Context, key storage.ResourceKey, maxAge time.Duration, load Loader) (storage.Resource, error) {
	cur, err := c.Get(ctx, key)
	switch {
	case err == nil:
		if cur.NeedSave || (maxAge > 0 && c.clock.Now().Sub(cur.LastUpdate) < maxAge) {
			return cur, nil
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return storage.Resource{}, err
	}
	cached := err == nil

	v, err := c.loads.Do(ctx, flightKey(key), func(ctx context.Context) (any, error) {
		return c.load(ctx, key, cached, load)
	})
	if err != nil {
		if cached {
			c.logger.Warn("resource load failed, serving cached copy",
				"type", key.Type, "id", key.Identifier, "error", err)
			if stale, getErr := c.Get(ctx, key); getErr == nil {
				return stale, nil
			}
			return cur, nil
		}
		return storage.Resource{}, err
	}
	return v.(storage.Resource), nil
}

func (c *Cache) load(ctx context.Context, key storage.ResourceKey, cached bool, load Loader) (storage.Resource, error) {
	if cached {
		if err := c.SetStatus(ctx, key, storage.StatusPending); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return storage.Resource{}, err
		}
	}

	payload, err := load(ctx)
	if err != nil {
		if cached {
			if serr := c.SetStatus(ctx, key, c.classify(err)); serr != nil && !errors.Is(serr, storage.ErrNotFound) {
				c.logger.Warn("recording load failure", "type", key.Type, "error", serr)
			}
		}
		return storage.Resource{}, fmt.Errorf("loading %s/%s: %w", key.Type, key.Identifier, err)
	}

	r := storage.Resource{ResourceKey: key, JSON: payload, Status: storage.StatusSuccess, LastUpdate: c.clock.Now()}
	if _, err := c.Upsert(ctx, r, false); err != nil {
		return storage.Resource{}, err
	}
	// A local edit may have landed while loading; the stored row wins.
	return c.Get(ctx, key)
}

func flightKey(k storage.ResourceKey) string {
	return string(k.Type) + "\x00" + k.StudyID + "\x00" + k.Identifier + "\x00" + k.SecondaryID
}
