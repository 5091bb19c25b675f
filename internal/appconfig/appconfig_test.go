package appconfig

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/kalambet/studysync/internal/bridge"
	"github.com/kalambet/studysync/internal/cache"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/storage"
)

type fakeRemote struct {
	app, study       string
	appErr, studyErr error
	appCalls         int
	studyCalls       int
}

func (f *fakeRemote) GetAppConfig(context.Context) (json.RawMessage, error) {
	f.appCalls++
	return json.RawMessage(f.app), f.appErr
}

func (f *fakeRemote) GetStudy(context.Context, string) (json.RawMessage, error) {
	f.studyCalls++
	return json.RawMessage(f.study), f.studyErr
}

func newTestRepo(t *testing.T, remote Remote) *Repo {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRepo(cache.New(store, bridge.Classify), remote, "test-app", 0)
}

const appWithSchedule = `{"label":"app","clientData":{"scheduleConfig":{"scheduleType":"random","defaultAvailabilityWindow":{"wake":"08:00","bed":"20:00"}}}}`

const studyWithSchedule = `{"identifier":"study1","name":"Study","clientData":{"scheduleConfig":{"scheduleTypeMap":{"s1":"random"}}}}`

func TestScheduleConfig_AppFirst(t *testing.T) {
	remote := &fakeRemote{app: appWithSchedule, study: studyWithSchedule}
	r := newTestRepo(t, remote)

	cfg := r.ScheduleConfig(context.Background(), "study1")
	if _, ok := cfg.(*models.AppScheduleConfig); !ok {
		t.Fatalf("cfg = %T, want app config", cfg)
	}
	if cfg.SessionScheduleType("anything") != models.ScheduleRandom {
		t.Error("app schedule type not applied")
	}
	if w := cfg.DefaultAvailabilityWindow(); w == nil || w.Wake != models.NewLocalTime(8, 0) {
		t.Errorf("default window = %+v", w)
	}
	if remote.studyCalls != 0 {
		t.Error("study fetched although app config has a schedule config")
	}
}

func TestScheduleConfig_StudyFallback(t *testing.T) {
	remote := &fakeRemote{app: `{"label":"app"}`, study: studyWithSchedule}
	r := newTestRepo(t, remote)

	cfg := r.ScheduleConfig(context.Background(), "study1")
	if _, ok := cfg.(*models.StudyScheduleConfig); !ok {
		t.Fatalf("cfg = %T, want study config", cfg)
	}
	if cfg.SessionScheduleType("s1") != models.ScheduleRandom || cfg.SessionScheduleType("s2") != models.ScheduleFixed {
		t.Error("study schedule types not applied")
	}
}

func TestScheduleConfig_None(t *testing.T) {
	remote := &fakeRemote{app: `{"label":"app"}`, study: `{"identifier":"study1"}`}
	r := newTestRepo(t, remote)
	if cfg := r.ScheduleConfig(context.Background(), "study1"); cfg != nil {
		t.Errorf("cfg = %+v, want nil", cfg)
	}
	if cfg := r.ScheduleConfig(context.Background(), ""); cfg != nil {
		t.Errorf("cfg without study = %+v, want nil", cfg)
	}
}

func TestAppConfig_ServesCachedCopyOffline(t *testing.T) {
	remote := &fakeRemote{app: appWithSchedule}
	r := newTestRepo(t, remote)
	ctx := context.Background()

	if _, err := r.AppConfig(ctx); err != nil {
		t.Fatalf("AppConfig: %v", err)
	}
	remote.appErr = &net.DNSError{Err: "no such host", IsNotFound: true}
	cfg, err := r.AppConfig(ctx)
	if err != nil {
		t.Fatalf("AppConfig offline: %v", err)
	}
	if cfg.Label != "app" {
		t.Errorf("Label = %q", cfg.Label)
	}
	if remote.appCalls != 2 {
		t.Errorf("appCalls = %d, want 2", remote.appCalls)
	}
}

func TestAppConfig_OfflineWithoutCache(t *testing.T) {
	remote := &fakeRemote{appErr: errors.New("boom")}
	r := newTestRepo(t, remote)
	if _, err := r.AppConfig(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
