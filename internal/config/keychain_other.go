//go:build !darwin

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// secretsFile stands in for the keychain on platforms without one. Secrets
// are kept as {service: {account: value}} in a file only the owner can read.
type secretsFile struct {
	path string
}

func platformSecrets() secretsFile {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return secretsFile{path: filepath.Join(dir, "studysync", "secrets.json")}
}

func keychainGet(service, account string) ([]byte, error) {
	return platformSecrets().get(service, account)
}

func keychainSet(service, account, value string) error {
	return platformSecrets().set(service, account, value)
}

// load returns the stored secrets. A missing file is empty; a file that does
// not parse is an error so a later write cannot drop what it holds.
func (f secretsFile) load() (map[string]map[string]string, error) {
	secrets := make(map[string]map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return secrets, nil
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f secretsFile) get(service, account string) ([]byte, error) {
	secrets, err := f.load()
	if err != nil {
		return nil, err
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

func (f secretsFile) set(service, account, value string) error {
	secrets, err := f.load()
	if err != nil {
		return fmt.Errorf("refusing to overwrite secrets: %w", err)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.path, out)
}

// writeFileAtomic replaces path with data through a temp file in the same
// directory, so readers see either the old or the new contents.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
