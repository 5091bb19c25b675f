package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the Keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.err != nil {
		return m.err
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	return nil
}

// memBackend is an in-memory ConfigBackend.
type memBackend map[string]any

func (b memBackend) GetString(key string) (string, bool, error) {
	v, ok := b[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (b memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (b memBackend) SetString(key, val string) error  { b[key] = val; return nil }
func (b memBackend) SetInt(key string, val int) error { b[key] = val; return nil }
func (b memBackend) Delete(key string) error          { delete(b, key); return nil }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(memBackend{}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Bridge.BaseURL != "https://webservices.sagebridge.org" {
		t.Errorf("Bridge.BaseURL = %q", cfg.Bridge.BaseURL)
	}
	if cfg.Sync.PageSize != 500 || cfg.Sync.BatchSize != 25 {
		t.Errorf("Sync = %+v, want page 500 batch 25", cfg.Sync)
	}
	if got := cfg.Sync.IntervalDuration(); got != 15*time.Minute {
		t.Errorf("IntervalDuration = %s, want 15m", got)
	}
	if got := cfg.Sync.CacheMaxAgeDuration(); got != time.Hour {
		t.Errorf("CacheMaxAgeDuration = %s, want 1h", got)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

// TestBackendValues verifies that all fields are read from the backend.
func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := memBackend{
		"server.port":         5000,
		"storage.data_dir":    "/tmp/studysync-test",
		"bridge.base_url":     "http://bridge.local",
		"bridge.app_id":       "arc",
		"sync.page_size":      100,
		"sync.batch_size":     10,
		"sync.interval":       "5m",
		"sync.cache_max_age":  "30s",
		"log.level":           "debug",
		"log.file":            "/tmp/studysync.log",

		"bridge.session_token": "ignored",
	}
	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/studysync-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Bridge.BaseURL != "http://bridge.local" || cfg.Bridge.AppID != "arc" {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}
	if cfg.Bridge.SessionToken != "" {
		t.Errorf("secret read from backend: %q", cfg.Bridge.SessionToken)
	}
	if cfg.Sync.PageSize != 100 || cfg.Sync.BatchSize != 10 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.IntervalDuration() != 5*time.Minute || cfg.Sync.CacheMaxAgeDuration() != 30*time.Second {
		t.Errorf("durations = %s, %s", cfg.Sync.IntervalDuration(), cfg.Sync.CacheMaxAgeDuration())
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "/tmp/studysync.log" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("STUDYSYNC_SERVER_PORT", "6000")
	t.Setenv("STUDYSYNC_SYNC_INTERVAL", "90s")
	t.Setenv("STUDYSYNC_BRIDGE_SESSION_TOKEN", "env-token")

	cfg, err := loadWith(memBackend{"server.port": 5000}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Sync.IntervalDuration() != 90*time.Second {
		t.Errorf("IntervalDuration = %s, want 90s", cfg.Sync.IntervalDuration())
	}
	if cfg.Bridge.SessionToken != "env-token" {
		t.Errorf("SessionToken = %q, want env-token", cfg.Bridge.SessionToken)
	}
}

// TestInvalidValuesKeepDefaults verifies unparsable values fall back to defaults.
func TestInvalidValuesKeepDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STUDYSYNC_SYNC_PAGE_SIZE", "lots")
	t.Setenv("STUDYSYNC_SYNC_CACHE_MAX_AGE", "forever")

	cfg, err := loadWith(memBackend{"sync.interval": "often"}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sync.PageSize != 500 {
		t.Errorf("PageSize = %d, want 500", cfg.Sync.PageSize)
	}
	if cfg.Sync.Interval != "15m0s" || cfg.Sync.CacheMaxAge != "1h0m0s" {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
}

// TestMissingRequiredField verifies a clear error when the app id is blanked.
func TestMissingRequiredField(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(memBackend{"bridge.app_id": ""}, &mockKeychain{})
	if err == nil {
		t.Fatal("expected error for missing app id, got nil")
	}
	if want := "missing required config"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want it to contain %q", err.Error(), want)
	}
}

// TestKeychainFallback verifies the keychain is consulted when no session token is in env.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)

	kc := &mockKeychain{values: map[string]string{"studysync/bridge_session_token": "keychain-secret"}}
	cfg, err := loadWith(memBackend{}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bridge.SessionToken != "keychain-secret" {
		t.Errorf("SessionToken = %q, want %q", cfg.Bridge.SessionToken, "keychain-secret")
	}
}

func TestSetKey(t *testing.T) {
	b := memBackend{}
	kc := &mockKeychain{}

	if err := setKeyWith(b, kc, "sync.page_size", "200"); err != nil {
		t.Fatalf("set page size: %v", err)
	}
	if b["sync.page_size"] != 200 {
		t.Errorf("backend page size = %v", b["sync.page_size"])
	}
	if err := setKeyWith(b, kc, "sync.page_size", "two hundred"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, kc, "sync.interval", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, kc, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKeyWith(b, kc, "bridge.session_token", "tok"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if _, ok := b["bridge.session_token"]; ok {
		t.Error("secret written to the plain backend")
	}
	if kc.values["studysync/bridge_session_token"] != "tok" {
		t.Errorf("keychain = %v", kc.values)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Bridge.SessionToken = "very-secret"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "very-secret") {
			t.Errorf("%s shows the secret", k.Key)
		}
		if k.Key == "bridge.session_token" && k.Value != "(set)" {
			t.Errorf("session token shown as %q", k.Value)
		}
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys = %v", ValidKeys())
	}
}

func TestGetAPIToken(t *testing.T) {
	kc := &mockKeychain{}
	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 36 {
		t.Errorf("token = %q, want a uuid", first)
	}
	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if second != first {
		t.Errorf("token changed: %q then %q", first, second)
	}

	if _, err := GetAPIToken(&mockKeychain{err: errors.New("locked")}); err == nil {
		t.Error("expected error when the keychain is unavailable")
	}
}
