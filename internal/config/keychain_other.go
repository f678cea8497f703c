//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// secrets maps service -> account -> value.
type secrets map[string]map[string]string

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "strongbuy", "secrets.yaml")
}

func readSecrets(path string) (secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s secrets
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("keychain not available: %w", err)
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("account %q not found in service %q", account, service)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()

	s, err := readSecrets(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if s == nil {
		s = make(secrets)
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}
