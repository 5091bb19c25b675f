package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/studysync/internal/storage"
)

// JobQueue enqueues sync jobs.
type JobQueue interface {
	EnqueueSyncJob(ctx context.Context, job storage.Job) (bool, error)
}

// StudyLister returns the studies of the signed-in participant.
type StudyLister interface {
	StudyIDs(ctx context.Context) ([]string, error)
}

// Scheduler enqueues a participant push and one adherence sync per study on
// every tick. Jobs already pending are not duplicated.
type Scheduler struct {
	queue    JobQueue
	studies  StudyLister
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. If interval is <= 0, it defaults to 15m.
func NewScheduler(queue JobQueue, studies StudyLister, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{queue: queue, studies: studies, interval: interval, logger: slog.Default()}
}

// Run enqueues immediately and then on every interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Warn("scheduling sync jobs", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick enqueues the jobs of one round and returns how many were new.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	var n int
	inserted, err := s.queue.EnqueueSyncJob(ctx, storage.Job{Type: JobParticipantPush})
	if err != nil {
		return n, err
	}
	if inserted {
		n++
	}

	studies, err := s.studies.StudyIDs(ctx)
	if err != nil {
		return n, err
	}
	for _, id := range studies {
		inserted, err := s.queue.EnqueueSyncJob(ctx, storage.Job{Type: JobAdherenceSync, Scope: id})
		if err != nil {
			return n, err
		}
		if inserted {
			n++
		}
	}
	return n, nil
}
