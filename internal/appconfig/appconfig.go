// Package appconfig loads the app config and study documents through the
// resource cache and resolves the schedule config that applies.
package appconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/studysync/internal/cache"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/storage"
)

// Remote fetches the raw documents from Bridge.
type Remote interface {
	GetAppConfig(ctx context.Context) (json.RawMessage, error)
	GetStudy(ctx context.Context, studyID string) (json.RawMessage, error)
}

type Repo struct {
	cache  *cache.Cache
	remote Remote
	appID  string
	maxAge time.Duration
	logger *slog.Logger
}

// NewRepo creates a Repo. Cached documents younger than maxAge are used
// without contacting Bridge.
func NewRepo(c *cache.Cache, remote Remote, appID string, maxAge time.Duration) *Repo {
	return &Repo{cache: c, remote: remote, appID: appID, maxAge: maxAge, logger: slog.Default()}
}

// AppConfig returns the app config, loading it when the cached copy is stale.
func (r *Repo) AppConfig(ctx context.Context) (models.AppConfig, error) {
	key := storage.ResourceKey{Type: storage.ResourceAppConfig, Identifier: r.appID}
	res, err := r.cache.GetOrLoad(ctx, key, r.maxAge, func(ctx context.Context) (string, error) {
		raw, err := r.remote.GetAppConfig(ctx)
		return string(raw), err
	})
	if err != nil {
		return models.AppConfig{}, err
	}
	var cfg models.AppConfig
	if err := json.Unmarshal([]byte(res.JSON), &cfg); err != nil {
		return models.AppConfig{}, fmt.Errorf("decoding app config: %w", err)
	}
	return cfg, nil
}

// Study returns the study document for studyID.
func (r *Repo) Study(ctx context.Context, studyID string) (models.Study, error) {
	key := storage.ResourceKey{Type: storage.ResourceStudy, StudyID: studyID, Identifier: studyID}
	res, err := r.cache.GetOrLoad(ctx, key, r.maxAge, func(ctx context.Context) (string, error) {
		raw, err := r.remote.GetStudy(ctx, studyID)
		return string(raw), err
	})
	if err != nil {
		return models.Study{}, err
	}
	var s models.Study
	if err := json.Unmarshal([]byte(res.JSON), &s); err != nil {
		return models.Study{}, fmt.Errorf("decoding study %s: %w", studyID, err)
	}
	return s, nil
}

// ScheduleConfig returns the app-level schedule config when the app defines
// one, else the study's. It returns nil when neither is available; lookup
// failures are logged, not returned.
func (r *Repo) ScheduleConfig(ctx context.Context, studyID string) models.ScheduleConfig {
	app, err := r.AppConfig(ctx)
	if err != nil {
		r.logger.Warn("loading app config", "error", err)
	} else if cfg := app.ScheduleConfig(); cfg != nil {
		return cfg
	}

	if studyID == "" {
		return nil
	}
	study, err := r.Study(ctx, studyID)
	if err != nil {
		r.logger.Warn("loading study", "study", studyID, "error", err)
		return nil
	}
	if cfg := study.ScheduleConfig(); cfg != nil {
		return cfg
	}
	return nil
}
