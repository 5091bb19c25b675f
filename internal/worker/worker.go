// Package worker drains the sync job queue and schedules periodic syncs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/studysync/internal/adherence"
	"github.com/kalambet/studysync/internal/participant"
	"github.com/kalambet/studysync/internal/storage"
)

// Job types handled by the worker.
const (
	JobAdherenceSync   = "adherence_sync"
	JobParticipantPush = "participant_push"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// AdherenceSyncer runs a full adherence sync for one study.
type AdherenceSyncer interface {
	Sync(ctx context.Context, studyID string) (adherence.SyncResult, error)
}

// ParticipantPusher uploads unsent participant edits.
type ParticipantPusher interface {
	ProcessLocalUpdates(ctx context.Context) (participant.PushOutcome, error)
}

// Worker processes sync jobs from the SQLite job queue one at a time.
type Worker struct {
	store     JobStore
	adherence AdherenceSyncer
	pusher    ParticipantPusher
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, syncer AdherenceSyncer, pusher ParticipantPusher, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		adherence: syncer,
		pusher:    pusher,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobAdherenceSync, JobParticipantPush})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "scope", job.Scope, "error", err)
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob returns an error when the job should be attempted again: a
// failed pull, or uploads left for retry.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobAdherenceSync:
		res, err := w.adherence.Sync(ctx, job.Scope)
		if err != nil {
			return fmt.Errorf("syncing adherence for %s: %w", job.Scope, err)
		}
		w.logger.Info("adherence synced", "study", job.Scope,
			"pulled", res.Pulled, "total", res.Total, "uploaded", res.Uploaded, "retry", res.Retry, "failed", res.Failed)
		if res.Retry > 0 {
			return fmt.Errorf("%d adherence records left for retry", res.Retry)
		}
		return nil
	case JobParticipantPush:
		out, err := w.pusher.ProcessLocalUpdates(ctx)
		if err != nil {
			return fmt.Errorf("pushing participant: %w", err)
		}
		if out.Status == storage.StatusRetry {
			return fmt.Errorf("participant push left for retry: %s", out.Error)
		}
		return nil
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
