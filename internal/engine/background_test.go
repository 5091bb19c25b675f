package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/studysync/internal/storage"
)

func jobFor(studyID string) storage.Job {
	return storage.Job{Type: "adherence_sync", Scope: studyID}
}

func TestBackground_ShutdownWaits(t *testing.T) {
	b := NewBackground()
	var ran atomic.Bool
	b.Go(func(ctx context.Context) {
		time.Sleep(50 * time.Millisecond)
		ran.Store(true)
	})
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran.Load() {
		t.Error("Shutdown returned before work finished")
	}

	b.Go(func(ctx context.Context) { t.Error("work accepted after shutdown") })
}

func TestBackground_ShutdownDeadlineCancels(t *testing.T) {
	b := NewBackground()
	cancelled := make(chan struct{})
	b.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want deadline exceeded", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running work not cancelled")
	}
}
