// Package timeline serves the participant schedule from the resource cache.
// Randomized start times are applied before a schedule is cached.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/studysync/internal/cache"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/storage"
)

// Remote fetches the raw participant schedule.
type Remote interface {
	GetParticipantSchedule(ctx context.Context, studyID string) (json.RawMessage, error)
}

// Mutator applies randomized start times to a schedule.
type Mutator interface {
	MutateParticipantSchedule(ctx context.Context, studyID string, schedule models.ParticipantSchedule) models.ParticipantSchedule
}

type Repo struct {
	cache   *cache.Cache
	remote  Remote
	mutator Mutator
	maxAge  time.Duration
}

func NewRepo(c *cache.Cache, remote Remote, mutator Mutator, maxAge time.Duration) *Repo {
	return &Repo{cache: c, remote: remote, mutator: mutator, maxAge: maxAge}
}

// Key is the cache key of the schedule for studyID.
func Key(studyID string) storage.ResourceKey {
	return storage.ResourceKey{Type: storage.ResourceParticipantSchedule, StudyID: studyID, Identifier: studyID}
}

// Schedule returns the participant's schedule in studyID, loading and
// mutating it when the cached copy is stale.
func (r *Repo) Schedule(ctx context.Context, studyID string) (models.ParticipantSchedule, error) {
	res, err := r.cache.GetOrLoad(ctx, Key(studyID), r.maxAge, func(ctx context.Context) (string, error) {
		raw, err := r.remote.GetParticipantSchedule(ctx, studyID)
		if err != nil {
			return "", err
		}
		var s models.ParticipantSchedule
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decoding participant schedule: %w", err)
		}
		return r.encode(ctx, studyID, s)
	})
	if err != nil {
		return models.ParticipantSchedule{}, err
	}
	return decode(res)
}

// Reapply runs the mutator over the cached schedule again, for instance
// after the participant changed their availability. It is a no-op when no
// schedule is cached.
func (r *Repo) Reapply(ctx context.Context, studyID string) error {
	res, err := r.cache.Get(ctx, Key(studyID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s, err := decode(res)
	if err != nil {
		return err
	}
	payload, err := r.encode(ctx, studyID, s)
	if err != nil {
		return err
	}
	if payload == res.JSON {
		return nil
	}
	res.JSON = payload
	_, err = r.cache.Upsert(ctx, res, false)
	return err
}

func (r *Repo) encode(ctx context.Context, studyID string, s models.ParticipantSchedule) (string, error) {
	if r.mutator != nil {
		s = r.mutator.MutateParticipantSchedule(ctx, studyID, s)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding participant schedule: %w", err)
	}
	return string(data), nil
}

func decode(res storage.Resource) (models.ParticipantSchedule, error) {
	var s models.ParticipantSchedule
	if err := json.Unmarshal([]byte(res.JSON), &s); err != nil {
		return s, fmt.Errorf("decoding cached schedule: %w", err)
	}
	return s, nil
}
