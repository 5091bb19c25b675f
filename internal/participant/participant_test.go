package participant

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/studysync/internal/bridge"
	"github.com/kalambet/studysync/internal/cache"
	"github.com/kalambet/studysync/internal/clientdata"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/storage"
)

const arcClientData = `{
	"availability": {"wake": "10:30", "bed": "18:30"},
	"sessionStartLocalTimes": [{"guid": "session-a", "start": "10:42"}],
	"hasSeenTutorial": true
}`

var testSession = models.UserSessionInfo{
	ID:            "uniqueId",
	Authenticated: true,
	StudyIDs:      []string{"testStudyId"},
	SessionToken:  "testSessionToken",
	ReauthToken:   "testReauthToken",
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeRemote struct {
	mu       sync.Mutex
	err      error
	got      []models.StudyParticipant
	onUpdate func()
}

func (f *fakeRemote) UpdateParticipant(_ context.Context, p models.StudyParticipant) error {
	if f.onUpdate != nil {
		f.onUpdate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, p)
	return f.err
}

type waitLauncher struct{ wg sync.WaitGroup }

func (l *waitLauncher) Go(fn func(ctx context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(context.Background())
	}()
}

var now = time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T, remote Remote, bg Launcher, s *models.UserSessionInfo) (*Repo, *cache.Cache) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	c := cache.New(store, bridge.Classify)
	r := NewRepoWithClock(c, remote, bg, fixedClock{now})
	if s != nil {
		if err := r.StoreSession(context.Background(), *s); err != nil {
			t.Fatalf("StoreSession: %v", err)
		}
	}
	return r, c
}

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var x, y any
	if err := json.Unmarshal(a, &x); err != nil {
		t.Fatalf("unmarshal %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &y); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return reflect.DeepEqual(x, y)
}

func TestUpdateParticipant_NullInitialClientData(t *testing.T) {
	r, _ := newTestRepo(t, &fakeRemote{}, nil, &testSession)
	ctx := context.Background()

	s, err := r.Session(ctx)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.ClientData != nil {
		t.Fatalf("ClientData = %s, want nil", s.ClientData)
	}

	rec := RecordFromSession(s)
	rec.AppClientData = json.RawMessage(arcClientData)
	if err := r.UpdateParticipant(ctx, rec); err != nil {
		t.Fatalf("UpdateParticipant: %v", err)
	}

	updated, err := r.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !jsonEqual(t, updated.ClientData, json.RawMessage(arcClientData)) {
		t.Errorf("ClientData = %s", updated.ClientData)
	}
	if updated.SessionToken != "testSessionToken" {
		t.Errorf("SessionToken = %q", updated.SessionToken)
	}
}

func TestUpdateParticipant_InitialArcClientData(t *testing.T) {
	initial := testSession
	initial.ClientData = json.RawMessage(arcClientData)
	r, _ := newTestRepo(t, &fakeRemote{}, nil, &initial)
	ctx := context.Background()

	s, _ := r.Session(ctx)
	rec := RecordFromSession(s)
	if rec.ScheduleData.IsEmpty() || rec.ScheduleData.Availability == nil || rec.ScheduleData.SessionStartTimes == nil {
		t.Fatalf("ScheduleData = %+v", rec.ScheduleData)
	}

	w := models.UserAvailabilityWindow{Wake: models.NewLocalTime(8, 30), Bed: models.NewLocalTime(22, 30)}
	rec.SetAvailability(&w, now)
	if *rec.ScheduleData.Availability != w {
		t.Errorf("record availability = %+v", rec.ScheduleData.Availability)
	}
	merged, err := MergeClientData(s, rec)
	if err != nil || merged == nil {
		t.Fatalf("MergeClientData = %s, %v", merged, err)
	}

	if err := r.UpdateParticipant(ctx, rec); err != nil {
		t.Fatalf("UpdateParticipant: %v", err)
	}
	got, err := r.Availability(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != w {
		t.Errorf("Availability = %+v, want %+v", got, w)
	}
	updated, _ := r.Session(ctx)
	if updated.SessionToken != "testSessionToken" {
		t.Errorf("SessionToken = %q", updated.SessionToken)
	}
	var fields map[string]json.RawMessage
	json.Unmarshal(updated.ClientData, &fields)
	if string(fields["hasSeenTutorial"]) != "true" {
		t.Errorf("app-owned key lost: %s", updated.ClientData)
	}
}

func TestUpdateParticipant_InitialOpenBridgeClientData(t *testing.T) {
	r, _ := newTestRepo(t, &fakeRemote{}, nil, &testSession)
	ctx := context.Background()

	w := models.UserAvailabilityWindow{Wake: models.NewLocalTime(8, 30), Bed: models.NewLocalTime(22, 30)}
	if err := r.SetAvailability(ctx, w, nil); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	updated, _ := r.Session(ctx)
	if updated.ClientData == nil {
		t.Fatal("ClientData is nil")
	}
	d := clientdata.Decode(updated.ClientData)
	if d == nil || *d.Availability != w {
		t.Errorf("schedule data = %+v", d)
	}
	if d.AvailabilityUpdatedOn == nil || !d.AvailabilityUpdatedOn.Equal(now) {
		t.Errorf("AvailabilityUpdatedOn = %v", d.AvailabilityUpdatedOn)
	}
}

func TestUpdateParticipant_SignedOut(t *testing.T) {
	r, _ := newTestRepo(t, &fakeRemote{}, nil, nil)
	err := r.UpdateParticipant(context.Background(), UpdateRecord{ID: "x"})
	if !errors.Is(err, ErrSignedOut) {
		t.Errorf("err = %v, want ErrSignedOut", err)
	}
	if tok := r.SessionToken(); tok != "" {
		t.Errorf("SessionToken = %q", tok)
	}
}

func TestSetAvailability_Bounds(t *testing.T) {
	r, _ := newTestRepo(t, &fakeRemote{}, nil, &testSession)
	bounds := &models.UserAvailabilityConfig{MinimumDuration: models.MinutesPeriod(8 * 60), MaximumDuration: models.MinutesPeriod(16 * 60)}

	short := models.UserAvailabilityWindow{Wake: models.NewLocalTime(9, 0), Bed: models.NewLocalTime(12, 0)}
	if err := r.SetAvailability(context.Background(), short, bounds); !errors.Is(err, ErrInvalidAvailability) {
		t.Errorf("3h window: err = %v", err)
	}
	empty := models.UserAvailabilityWindow{Wake: models.NewLocalTime(9, 0), Bed: models.NewLocalTime(9, 0)}
	if err := r.SetAvailability(context.Background(), empty, nil); !errors.Is(err, ErrInvalidAvailability) {
		t.Errorf("empty window: err = %v", err)
	}
	if got, _ := r.Availability(context.Background()); got != nil {
		t.Errorf("Availability = %+v after rejected updates", got)
	}
}

func TestSetClientData_LegacyScheduleData(t *testing.T) {
	rec := RecordFromSession(testSession)
	rec.SetClientData(json.RawMessage(arcClientData), now)
	if rec.ScheduleData == nil || rec.ScheduleData.AvailabilityUpdatedOn == nil || rec.ScheduleData.StartTimesCalculatedOn == nil {
		t.Fatalf("ScheduleData = %+v", rec.ScheduleData)
	}
	if string(rec.AppClientData) != arcClientData {
		t.Error("AppClientData not replaced")
	}

	rec.SetClientData(json.RawMessage(`{"other":1}`), now)
	if rec.ScheduleData == nil || rec.ScheduleData.Availability == nil {
		t.Error("schedule data dropped by client data without schedule keys")
	}
}

func TestProcessLocalUpdates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantDirty bool
		want      storage.ResourceStatus
	}{
		{"success", nil, false, storage.StatusSuccess},
		{"unreachable", &net.DNSError{Err: "no such host", IsNotFound: true}, true, storage.StatusRetry},
		{"consent required", &bridge.StatusError{Code: http.StatusPreconditionFailed}, true, storage.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{err: tt.err}
			r, c := newTestRepo(t, remote, nil, &testSession)
			ctx := context.Background()

			out, err := r.ProcessLocalUpdates(ctx)
			if err != nil || out.Pushed || len(remote.got) != 0 {
				t.Fatalf("clean session pushed: %+v, %v", out, err)
			}

			s, _ := r.Session(ctx)
			rec := RecordFromSession(s)
			rec.FirstName = "Pat"
			if err := r.UpdateParticipant(ctx, rec); err != nil {
				t.Fatal(err)
			}

			out, err = r.ProcessLocalUpdates(ctx)
			if err != nil {
				t.Fatalf("ProcessLocalUpdates: %v", err)
			}
			if out.Status != tt.want {
				t.Errorf("status = %s, want %s", out.Status, tt.want)
			}
			if len(remote.got) != 1 || remote.got[0].FirstName != "Pat" || remote.got[0].ID != "uniqueId" {
				t.Errorf("uploaded = %+v", remote.got)
			}
			row, _ := c.Get(ctx, SessionKey())
			if row.NeedSave != tt.wantDirty || row.Status != tt.want {
				t.Errorf("row dirty=%v status=%s, want %v %s", row.NeedSave, row.Status, tt.wantDirty, tt.want)
			}
		})
	}
}

func TestProcessLocalUpdates_EditDuringUploadStaysDirty(t *testing.T) {
	remote := &fakeRemote{}
	r, c := newTestRepo(t, remote, nil, &testSession)
	ctx := context.Background()

	s, _ := r.Session(ctx)
	rec := RecordFromSession(s)
	rec.FirstName = "First"
	if err := r.UpdateParticipant(ctx, rec); err != nil {
		t.Fatal(err)
	}
	remote.onUpdate = func() {
		remote.onUpdate = nil
		rec.FirstName = "Second"
		if err := r.UpdateParticipant(ctx, rec); err != nil {
			t.Error(err)
		}
	}

	if _, err := r.ProcessLocalUpdates(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ := c.Get(ctx, SessionKey())
	if !row.NeedSave {
		t.Error("edit made during upload was marked clean")
	}
	got, _ := r.Session(ctx)
	if got.FirstName != "Second" {
		t.Errorf("FirstName = %q", got.FirstName)
	}
}

func TestUpdateParticipant_BackgroundPush(t *testing.T) {
	remote := &fakeRemote{}
	bg := &waitLauncher{}
	r, c := newTestRepo(t, remote, bg, &testSession)
	ctx := context.Background()

	starts := []models.ScheduledSessionStart{{Guid: "a", Start: models.NewLocalTime(9, 15)}}
	if err := r.SetSessionStartTimes(ctx, starts); err != nil {
		t.Fatal(err)
	}
	bg.wg.Wait()

	if len(remote.got) != 1 {
		t.Fatalf("uploads = %d, want 1", len(remote.got))
	}
	d := clientdata.Decode(remote.got[0].ClientData)
	if d == nil || !reflect.DeepEqual(d.SessionStartTimes, starts) {
		t.Errorf("uploaded schedule data = %+v", d)
	}
	row, _ := c.Get(ctx, SessionKey())
	if row.NeedSave {
		t.Error("session still dirty after successful push")
	}
}

func TestSignOut(t *testing.T) {
	r, _ := newTestRepo(t, &fakeRemote{}, nil, &testSession)
	if err := r.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Session(context.Background()); !errors.Is(err, ErrSignedOut) {
		t.Errorf("err = %v, want ErrSignedOut", err)
	}
}
