// Package engine wires the sync engine together. An Engine owns the store,
// the resource cache, the Bridge client, and every repository built on them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/studysync/internal/adherence"
	"github.com/kalambet/studysync/internal/appconfig"
	"github.com/kalambet/studysync/internal/bridge"
	"github.com/kalambet/studysync/internal/cache"
	"github.com/kalambet/studysync/internal/config"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/mutator"
	"github.com/kalambet/studysync/internal/participant"
	"github.com/kalambet/studysync/internal/storage"
	"github.com/kalambet/studysync/internal/timeline"
	"github.com/kalambet/studysync/internal/worker"
)

// ErrNoStudy is returned when no study id is given and the participant has
// none.
var ErrNoStudy = errors.New("no study id given and the participant is not in a study")

// Options configures Open.
type Options struct {
	// DataDir holds the database. ":memory:" opens a throwaway store.
	DataDir string
	BaseURL string
	AppID   string
	// SessionToken overrides the token of the cached session.
	SessionToken string

	PageSize     int
	BatchSize    int
	SyncInterval time.Duration
	CacheMaxAge  time.Duration

	AppName    string
	AppVersion string
}

// OptionsFromConfig maps loaded configuration to Options.
func OptionsFromConfig(cfg config.Config, appVersion string) Options {
	return Options{
		DataDir:      cfg.Storage.DataDir,
		BaseURL:      cfg.Bridge.BaseURL,
		AppID:        cfg.Bridge.AppID,
		SessionToken: cfg.Bridge.SessionToken,
		PageSize:     cfg.Sync.PageSize,
		BatchSize:    cfg.Sync.BatchSize,
		SyncInterval: cfg.Sync.IntervalDuration(),
		CacheMaxAge:  cfg.Sync.CacheMaxAgeDuration(),
		AppName:      "studysync",
		AppVersion:   appVersion,
	}
}

type Engine struct {
	Store       *storage.Store
	Cache       *cache.Cache
	Bridge      *bridge.Client
	Participant *participant.Repo
	Adherence   *adherence.Coordinator
	AppConfig   *appconfig.Repo
	Timeline    *timeline.Repo
	Mutator     *mutator.Mutator

	worker    *worker.Worker
	scheduler *worker.Scheduler
	bg        *Background
	logger    *slog.Logger
}

// Open opens the store and builds the engine. Jobs left running by a
// previous process are requeued.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	store, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	e := &Engine{
		Store:  store,
		Cache:  cache.New(store, bridge.Classify),
		bg:     NewBackground(),
		logger: slog.Default(),
	}

	e.Bridge = bridge.NewClientWithBaseURL(opts.AppID, opts.BaseURL, func() string {
		if opts.SessionToken != "" {
			return opts.SessionToken
		}
		return e.Participant.SessionToken()
	})
	e.Participant = participant.NewRepo(e.Cache, e.Bridge, e.bg)
	e.Adherence = adherence.NewCoordinator(store, e.Bridge, e.bg, adherence.Options{
		PageSize:   opts.PageSize,
		BatchSize:  opts.BatchSize,
		ClientData: clientData(opts.AppName, opts.AppVersion),
	})
	e.AppConfig = appconfig.NewRepo(e.Cache, e.Bridge, opts.AppID, opts.CacheMaxAge)
	e.Mutator = mutator.New(e.Participant, e.AppConfig)
	e.Timeline = timeline.NewRepo(e.Cache, e.Bridge, e.Mutator, opts.CacheMaxAge)
	e.worker = worker.NewWorker(store, e.Adherence, e.Participant, 0)
	e.scheduler = worker.NewScheduler(store, e.Participant, opts.SyncInterval)

	n, err := store.RequeueRunningJobs(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	if n > 0 {
		e.logger.Info("requeued interrupted sync jobs", "count", n)
	}
	return e, nil
}

// clientData describes this client on adherence records created locally.
func clientData(appName, appVersion string) func() json.RawMessage {
	data, _ := json.Marshal(map[string]string{
		"osName":     runtime.GOOS,
		"appName":    appName,
		"appVersion": appVersion,
	})
	return func() json.RawMessage { return data }
}

// Run drains the sync job queue and schedules periodic syncs until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.worker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.scheduler.Run(ctx)
		return nil
	})
	return g.Wait()
}

// Shutdown waits for background pushes, closes observers, and closes the
// store.
func (e *Engine) Shutdown(ctx context.Context) error {
	bgErr := e.bg.Shutdown(ctx)
	if bgErr != nil {
		e.logger.Warn("background work did not finish before shutdown", "error", bgErr)
	}
	e.Cache.Shutdown()
	e.Adherence.Shutdown()
	return errors.Join(bgErr, e.Store.Close())
}

// Background returns the launcher used for pushes triggered by local edits.
func (e *Engine) Background() *Background { return e.bg }

// ResolveStudy returns studyID, or the participant's first study when it is
// empty.
func (e *Engine) ResolveStudy(ctx context.Context, studyID string) (string, error) {
	if studyID != "" {
		return studyID, nil
	}
	s, err := e.Participant.Session(ctx)
	if err != nil {
		return "", err
	}
	if id := s.PrimaryStudyID(); id != "" {
		return id, nil
	}
	return "", ErrNoStudy
}

// SetAvailability saves the participant's availability window after
// checking it against the study's bounds, and re-randomizes the cached
// schedule so future sessions fall inside the new window.
func (e *Engine) SetAvailability(ctx context.Context, studyID string, w models.UserAvailabilityWindow) error {
	studyID, err := e.ResolveStudy(ctx, studyID)
	if err != nil {
		return err
	}
	var bounds *models.UserAvailabilityConfig
	if cfg := e.AppConfig.ScheduleConfig(ctx, studyID); cfg != nil {
		bounds = cfg.AvailabilityConfig()
	}
	if err := e.Participant.SetAvailability(ctx, w, bounds); err != nil {
		return err
	}
	if err := e.Timeline.Reapply(ctx, studyID); err != nil {
		e.logger.Warn("reapplying schedule after availability change", "study", studyID, "error", err)
	}
	return nil
}
