package config

import (
	"strings"
	"testing"
)

// fakeDefaults records defaults invocations against an in-memory domain.
type fakeDefaults struct {
	values map[string]string
	calls  []string
}

func (f *fakeDefaults) run(args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(args, " "))
	key := args[2]
	switch args[0] {
	case "read":
		v, ok := f.values[key]
		if !ok {
			return "", errNoDefault
		}
		return v, nil
	case "write":
		f.values[key] = args[4]
	case "delete":
		delete(f.values, key)
	}
	return "", nil
}

func TestDefaultsBackend(t *testing.T) {
	f := &fakeDefaults{values: map[string]string{}}
	b := &defaultsBackend{domain: "com.studysync.test", run: f.run}

	if _, ok, err := b.GetString("log.level"); ok || err != nil {
		t.Errorf("unset key: ok=%v err=%v", ok, err)
	}
	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatal(err)
	}
	if port, ok, err := b.GetInt("server.port"); port != 4200 || !ok || err != nil {
		t.Errorf("server.port = %d, %v, %v", port, ok, err)
	}
	if f.calls[1] != "write com.studysync.test server.port -int 4200" {
		t.Errorf("write call = %q", f.calls[1])
	}

	f.values["sync.page_size"] = "lots"
	if _, _, err := b.GetInt("sync.page_size"); err == nil {
		t.Error("non-numeric value accepted")
	}

	n := len(f.calls)
	if err := b.Delete("log.file"); err != nil {
		t.Fatalf("Delete unset key: %v", err)
	}
	if len(f.calls) != n+1 {
		t.Errorf("Delete of an unset key ran %q", f.calls[n:])
	}
}
