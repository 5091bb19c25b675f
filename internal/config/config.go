package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Bridge  BridgeConfig
	Sync    SyncConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type BridgeConfig struct {
	BaseURL string
	AppID   string
	// SessionToken, when set, is sent instead of the token of the cached
	// session.
	SessionToken string
}

type SyncConfig struct {
	PageSize    int
	BatchSize   int
	Interval    string
	CacheMaxAge string
}

type LogConfig struct {
	Level string
	File  string
}

const (
	defaultSyncInterval = 15 * time.Minute
	defaultCacheMaxAge  = time.Hour
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Bridge: BridgeConfig{
			BaseURL: "https://webservices.sagebridge.org",
			AppID:   "mobile-toolbox",
		},
		Sync: SyncConfig{
			PageSize:    500,
			BatchSize:   25,
			Interval:    defaultSyncInterval.String(),
			CacheMaxAge: defaultCacheMaxAge.String(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// IntervalDuration parses Interval, falling back to 15m.
func (s SyncConfig) IntervalDuration() time.Duration {
	return parseDuration("sync.interval", s.Interval, defaultSyncInterval)
}

// CacheMaxAgeDuration parses CacheMaxAge, falling back to 1h.
func (s SyncConfig) CacheMaxAgeDuration() time.Duration {
	return parseDuration("sync.cache_max_age", s.CacheMaxAge, defaultCacheMaxAge)
}

func parseDuration(key, raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q. Using %s.\n", key, raw, fallback)
		return fallback
	}
	return d
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.studysync.app) and
// secrets come from the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/studysync/config.json
// and secrets live in $XDG_DATA_HOME/studysync/secrets.json.
//
// Environment variables (STUDYSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const keychainService = "studysync"

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Bridge.SessionToken == "" {
		if tok, err := kc.Get(keychainService, "bridge_session_token"); err == nil && tok != "" {
			cfg.Bridge.SessionToken = tok
		}
	}

	if cfg.Bridge.AppID == "" {
		return Config{}, fmt.Errorf("missing required config: bridge.app_id. Set it with `studysync config set bridge.app_id <id>` or STUDYSYNC_BRIDGE_APP_ID")
	}
	if cfg.Storage.DataDir == "" {
		return Config{}, fmt.Errorf("missing required config: storage.data_dir")
	}
	return cfg, nil
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
