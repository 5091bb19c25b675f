package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/studysync/internal/engine"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/participant"
)

const testToken = "test-token-12345"

const scheduleJSON = `{
	"createdOn": "2023-06-20T10:00:00.000Z",
	"schedule": [
		{"refGuid": "s", "instanceGuid": "i1", "startDate": "2023-06-24", "startTime": "09:00", "expiration": "PT90M"}
	],
	"sessions": [{"guid": "s", "label": "Session"}],
	"type": "ParticipantSchedule"
}`

const remoteRecord = `{"items":[{"instanceGuid":"i9","eventTimestamp":"2023-06-20T00:00:00.000Z","startedOn":"2023-06-21T09:00:00.000Z"}],"total":1}`

// fakeBridge serves the Bridge endpoints the engine calls.
type fakeBridge struct {
	mu          sync.Mutex
	failUploads bool
}

func newFakeBridge(t *testing.T) (*fakeBridge, *httptest.Server) {
	t.Helper()
	fb := &fakeBridge{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/participants/self/schedule"):
			io.WriteString(w, scheduleJSON)
		case strings.HasSuffix(r.URL.Path, "/adherence/search"):
			io.WriteString(w, remoteRecord)
		case strings.HasSuffix(r.URL.Path, "/adherence"):
			fb.mu.Lock()
			fail := fb.failUploads
			fb.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/v3/participants/self":
			io.WriteString(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func setupHandler(t *testing.T) (http.Handler, *engine.Engine, *fakeBridge) {
	t.Helper()
	fb, srv := newFakeBridge(t)
	e, err := engine.Open(context.Background(), engine.Options{
		DataDir: ":memory:",
		BaseURL: srv.URL,
		AppID:   "test-app",
	})
	if err != nil {
		t.Fatalf("engine.Open failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return NewHandler(depsFor(e)), e, fb
}

func depsFor(e *engine.Engine) Deps {
	return Deps{
		Adherence:   e.Adherence,
		Participant: e.Participant,
		Studies:     e,
		Schedules:   e.Timeline,
		Resources:   e.Cache,
		Token:       testToken,
	}
}

func signIn(t *testing.T, e *engine.Engine) {
	t.Helper()
	err := e.Participant.StoreSession(context.Background(), models.UserSessionInfo{
		ID:            "p1",
		Authenticated: true,
		StudyIDs:      []string{"s1"},
		SessionToken:  "session-token",
	})
	if err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t)
	w := serve(h, authReq(http.MethodGet, "/health", "", ""))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAuth(t *testing.T) {
	h, _, _ := setupHandler(t)
	for _, token := range []string{"", "wrong"} {
		w := serve(h, authReq(http.MethodGet, "/status", "", token))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, w.Code)
		}
	}
}

func TestStatus(t *testing.T) {
	h, e, _ := setupHandler(t)

	w := serve(h, authReq(http.MethodGet, "/status", "", testToken))
	var resp StatusResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.SignedIn {
		t.Fatalf("signed out status = %d %+v", w.Code, resp)
	}

	signIn(t, e)
	w = serve(h, authReq(http.MethodGet, "/status", "", testToken))
	resp = StatusResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.SignedIn || resp.Participant != "p1" || resp.Study != "s1" {
		t.Errorf("signed in status = %+v", resp)
	}
}

func TestSignedOutRequests(t *testing.T) {
	h, _, _ := setupHandler(t)
	for _, path := range []string{"/schedule", "/adherence", "/participant"} {
		w := serve(h, authReq(http.MethodGet, path, "", testToken))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, w.Code)
			continue
		}
		if got := errorType(t, w); got != "signed_out" {
			t.Errorf("%s: error type = %q", path, got)
		}
	}
}

func TestRecordAdherence(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)

	body := `{"instanceGuid":"i1","eventTimestamp":"2023-06-20T00:00:00.000Z","startedOn":"2023-06-24T09:05:00Z","finishedOn":"2023-06-24T09:20:00Z"}`
	w := serve(h, authReq(http.MethodPost, "/adherence", body, testToken))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = serve(h, authReq(http.MethodGet, "/adherence/i1", "", testToken))
	var recs []models.AdherenceRecord
	json.NewDecoder(w.Body).Decode(&recs)
	if len(recs) != 1 || recs[0].FinishedOn == nil {
		t.Fatalf("records = %+v", recs)
	}
	if len(recs[0].ClientData) == 0 {
		t.Error("client data not filled in")
	}

	w = serve(h, authReq(http.MethodGet, "/adherence/i1/metadata?startedOn=2023-06-24T09:05:00Z", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("metadata status = %d, body = %s", w.Code, w.Body.String())
	}
	var meta map[string]any
	json.NewDecoder(w.Body).Decode(&meta)
	if meta["instanceGuid"] != "i1" || meta["finishedOn"] == nil {
		t.Errorf("metadata = %v", meta)
	}
	if _, ok := meta["declined"]; ok {
		t.Error("absent declined flag present in metadata")
	}
}

func TestRecordAdherence_Validation(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing instance", `{"startedOn":"2023-06-24T09:05:00Z"}`},
		{"missing start", `{"instanceGuid":"i1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, authReq(http.MethodPost, "/adherence", tt.body, testToken))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestUploadMetadata_NotCached(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)

	w := serve(h, authReq(http.MethodGet, "/adherence/nope/metadata?startedOn=2023-06-24T09:05:00Z", "", testToken))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	w = serve(h, authReq(http.MethodGet, "/adherence/nope/metadata?startedOn=yesterday", "", testToken))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad startedOn: status = %d, want 400", w.Code)
	}
}

func TestSyncAdherence(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)

	w := serve(h, authReq(http.MethodPost, "/sync/adherence?study=s1", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res struct {
		Pulled int `json:"pulled"`
		Total  int `json:"total"`
	}
	json.NewDecoder(w.Body).Decode(&res)
	if res.Pulled != 1 || res.Total != 1 {
		t.Errorf("result = %+v", res)
	}

	w = serve(h, authReq(http.MethodGet, "/adherence", "", testToken))
	var all map[string][]models.AdherenceRecord
	json.NewDecoder(w.Body).Decode(&all)
	if len(all["i9"]) != 1 {
		t.Errorf("cached = %v, want the pulled record", all)
	}
}

func TestAvailability(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)

	w := serve(h, authReq(http.MethodGet, "/participant/availability", "", testToken))
	if w.Code != http.StatusNotFound {
		t.Errorf("unset availability: status = %d, want 404", w.Code)
	}

	w = serve(h, authReq(http.MethodPut, "/participant/availability", `{"wake":"08:00","bed":"08:00"}`, testToken))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty window: status = %d, want 400", w.Code)
	}

	w = serve(h, authReq(http.MethodPut, "/participant/availability", `{"wake":"07:30","bed":"22:00"}`, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = serve(h, authReq(http.MethodGet, "/participant/availability", "", testToken))
	var got models.UserAvailabilityWindow
	json.NewDecoder(w.Body).Decode(&got)
	if got.Wake != models.NewLocalTime(7, 30) || got.Bed != models.NewLocalTime(22, 0) {
		t.Errorf("availability = %+v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h, e, _ := setupHandler(t)

	w := serve(h, authReq(http.MethodPut, "/participant/session", `{"id":"p1"}`, testToken))
	if w.Code != http.StatusBadRequest {
		t.Errorf("session without token: status = %d, want 400", w.Code)
	}

	body := `{"id":"p1","studyIds":["s1"],"sessionToken":"secret","reauthToken":"also-secret","authenticated":true}`
	w = serve(h, authReq(http.MethodPut, "/participant/session", body, testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("store: status = %d, body = %s", w.Code, w.Body.String())
	}
	if e.Participant.SessionToken() != "secret" {
		t.Error("session token not stored")
	}

	w = serve(h, authReq(http.MethodGet, "/participant", "", testToken))
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("participant response leaks tokens: %s", w.Body.String())
	}

	w = serve(h, authReq(http.MethodDelete, "/participant/session", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("sign out: status = %d", w.Code)
	}
	if _, err := e.Participant.Session(context.Background()); !errors.Is(err, participant.ErrSignedOut) {
		t.Errorf("Session after sign out: %v, want ErrSignedOut", err)
	}
}

func TestSchedule(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)

	w := serve(h, authReq(http.MethodGet, "/schedule", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var s models.ParticipantSchedule
	json.NewDecoder(w.Body).Decode(&s)
	if len(s.Schedule) != 1 || s.Schedule[0].InstanceGuid != "i1" {
		t.Errorf("schedule = %+v", s.Schedule)
	}
}

func TestListDirty(t *testing.T) {
	h, e, fb := setupHandler(t)
	fb.mu.Lock()
	fb.failUploads = true
	fb.mu.Unlock()
	signIn(t, e)

	body := `{"instanceGuid":"i1","startedOn":"2023-06-24T09:05:00Z"}`
	if w := serve(h, authReq(http.MethodPost, "/adherence", body, testToken)); w.Code != http.StatusAccepted {
		t.Fatalf("record: status = %d", w.Code)
	}

	w := serve(h, authReq(http.MethodGet, "/resources/dirty", "", testToken))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp DirtyResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Study != "s1" || len(resp.Adherence) != 1 || resp.Adherence[0].InstanceGuid != "i1" {
		t.Errorf("dirty = %+v", resp)
	}

	w = serve(h, authReq(http.MethodGet, "/resources/dirty?type=bogus", "", testToken))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown type: status = %d, want 400", w.Code)
	}
}

func TestResourceEvents(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/resources/user_session_info/"+participant.SessionIdentifier+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if resp.Header.Get("X-Subscriber-Id") == "" {
		t.Error("missing subscriber id")
	}

	events := bufio.NewScanner(resp.Body)
	next := func() ResourceView {
		t.Helper()
		for events.Scan() {
			if data, ok := strings.CutPrefix(events.Text(), "data: "); ok {
				var v ResourceView
				if err := json.Unmarshal([]byte(data), &v); err != nil {
					t.Fatalf("decoding event: %v", err)
				}
				return v
			}
		}
		t.Fatalf("stream ended: %v", events.Err())
		return ResourceView{}
	}

	first := next()
	if first.Identifier != participant.SessionIdentifier || first.NeedSave {
		t.Errorf("first event = %+v", first)
	}

	err = e.Participant.StoreSession(context.Background(), models.UserSessionInfo{
		ID:           "p1",
		StudyIDs:     []string{"s1", "s2"},
		SessionToken: "session-token",
	})
	if err != nil {
		t.Fatal(err)
	}
	second := next()
	var s models.UserSessionInfo
	json.Unmarshal(second.Data, &s)
	if len(s.StudyIDs) != 2 {
		t.Errorf("second event session = %+v", s)
	}
}

func TestAdherenceEvents(t *testing.T) {
	h, e, _ := setupHandler(t)
	signIn(t, e)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/adherence/events?completed=true", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET adherence events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	events := bufio.NewScanner(resp.Body)
	next := func() AdherenceEvent {
		t.Helper()
		for events.Scan() {
			if data, ok := strings.CutPrefix(events.Text(), "data: "); ok {
				var v AdherenceEvent
				if err := json.Unmarshal([]byte(data), &v); err != nil {
					t.Fatalf("decoding event: %v", err)
				}
				return v
			}
		}
		t.Fatalf("stream ended: %v", events.Err())
		return AdherenceEvent{}
	}

	if first := next(); first.Study != "s1" || len(first.Adherence) != 0 {
		t.Errorf("first event = %+v", first)
	}

	started := time.Date(2023, 6, 24, 9, 5, 0, 0, time.UTC)
	finished := started.Add(10 * time.Minute)
	err = e.Adherence.CreateUpdate(context.Background(), "s1", models.AdherenceRecord{
		InstanceGuid: "i1",
		StartedOn:    started,
		FinishedOn:   &finished,
	})
	if err != nil {
		t.Fatal(err)
	}
	second := next()
	if len(second.Adherence["i1"]) != 1 {
		t.Errorf("second event = %+v", second)
	}
}

func TestAdherenceEvents_SignedOut(t *testing.T) {
	h, _, _ := setupHandler(t)
	w := serve(h, authReq(http.MethodGet, "/adherence/events", "", testToken))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestResourceEvents_UnknownType(t *testing.T) {
	h, _, _ := setupHandler(t)
	w := serve(h, authReq(http.MethodGet, "/resources/bogus/x/events", "", testToken))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 100},
		{"limit=5", 5},
		{"limit=-1", 100},
		{"limit=abc", 100},
		{"limit=5000", 1000},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 100, 1000); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
