package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STUDYSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STUDYSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "bridge.base_url", typ: kString, env: "STUDYSYNC_BRIDGE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Bridge.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Bridge.BaseURL },
	},
	{
		key: "bridge.app_id", typ: kString, env: "STUDYSYNC_BRIDGE_APP_ID",
		apply:   func(cfg *Config, v any) { cfg.Bridge.AppID = v.(string) },
		extract: func(cfg Config) any { return cfg.Bridge.AppID },
	},
	{
		key: "bridge.session_token", typ: kString, env: "STUDYSYNC_BRIDGE_SESSION_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Bridge.SessionToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Bridge.SessionToken },
	},
	{
		key: "sync.page_size", typ: kInt, env: "STUDYSYNC_SYNC_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.PageSize },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "STUDYSYNC_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "sync.interval", typ: kDuration, env: "STUDYSYNC_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.cache_max_age", typ: kDuration, env: "STUDYSYNC_SYNC_CACHE_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Sync.CacheMaxAge = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.CacheMaxAge },
	},
	{
		key: "log.level", typ: kString, env: "STUDYSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "STUDYSYNC_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if _, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, v)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if _, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, raw)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
