//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "studysync-data"
		}
	}
	return filepath.Join(dir, "studysync")
}

// fileBackend keeps settings as a flat JSON object under XDG_CONFIG_HOME.
// The server watches the same file for live log level changes.
type fileBackend struct {
	path    string
	data    map[string]any
	corrupt bool
}

func newPlatformBackend() ConfigBackend {
	p := FilePath()
	b := &fileBackend{path: p, data: make(map[string]any)}
	b.load()
	return b
}

// FilePath returns the path of the config file.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "studysync", "config.json")
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("config file unreadable, using defaults", "path", b.path, "error", err)
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		slog.Warn("config file does not parse, using defaults", "path", b.path, "error", err)
		b.data = make(map[string]any)
		b.corrupt = true
	}
}

// save writes the settings back. A file that failed to parse is left alone
// so a single `config set` cannot wipe it.
func (b *fileBackend) save() error {
	if b.corrupt {
		return fmt.Errorf("config file %s does not parse; fix or remove it first", b.path)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path, data)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), true, nil
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return b.save()
}
