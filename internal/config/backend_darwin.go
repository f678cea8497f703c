//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.strongbuy.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "strongbuy")
	}
	return "strongbuy-data"
}

func secretHint(key string) string {
	return fmt.Sprintf(" or macOS Keychain (service: strongbuy, account: %s)", key)
}

// defaultsBackend stores settings in UserDefaults under defaultsDomain.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

// errNoKey is returned by run when `defaults` reports a missing key.
var errNoKey = errors.New("key not set")

func (b *defaultsBackend) run(verb, key string, extra ...string) (string, error) {
	args := append([]string{verb, b.domain, key}, extra...)
	out, err := exec.Command("defaults", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && verb != "write" {
			return "", errNoKey
		}
		return "", fmt.Errorf("defaults %s %s: %w, output: %s", verb, key, err, s)
	}
	return s, nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	s, err := b.run("read", key)
	if errors.Is(err, errNoKey) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
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
	_, err := b.run("write", key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

// Delete removes key. Deleting an unset key is not an error.
func (b *defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	if errors.Is(err, errNoKey) {
		return nil
	}
	return err
}
