//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studysync", "config.json")
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()

	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reread := &fileBackend{path: path, data: make(map[string]any)}
	reread.load()
	if port, ok, err := reread.GetInt("server.port"); err != nil || !ok || port != 4200 {
		t.Errorf("server.port = %d, %v, %v", port, ok, err)
	}
	if lvl, ok, _ := reread.GetString("log.level"); !ok || lvl != "debug" {
		t.Errorf("log.level = %q, %v", lvl, ok)
	}
}

func TestFileBackend_CorruptFileKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	corrupt := []byte(`{"server.port": 42`)
	if err := os.WriteFile(path, corrupt, 0o600); err != nil {
		t.Fatal(err)
	}

	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	if _, ok, _ := b.GetInt("server.port"); ok {
		t.Error("value read from a corrupt file")
	}
	if err := b.SetString("log.level", "debug"); err == nil {
		t.Fatal("SetString over a corrupt file succeeded")
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(corrupt) {
		t.Errorf("corrupt file rewritten: %s", data)
	}
}
