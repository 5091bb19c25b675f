package config

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// defaultsBackend keeps settings in a macOS defaults domain. Commands go
// through run so the parsing can be exercised on any platform.
type defaultsBackend struct {
	domain string
	run    func(args ...string) (string, error)
}

// errNoDefault is what run reports when defaults has no value for a key.
var errNoDefault = errors.New("no such default")

func runDefaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if args[0] == "read" && errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", errNoDefault
		}
		return "", fmt.Errorf("defaults %s: %w, output: %s", args[0], err, s)
	}
	return s, nil
}

func (b *defaultsBackend) read(key string) (string, bool, error) {
	s, err := b.run("read", b.domain, key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return s, true, nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", b.domain, key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val))
	return err
}

// Delete removes key. Deleting a key that was never set is not an error.
func (b *defaultsBackend) Delete(key string) error {
	if _, ok, err := b.read(key); err != nil || !ok {
		return err
	}
	_, err := b.run("delete", b.domain, key)
	return err
}
