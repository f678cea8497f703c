//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

// keychainGet reads a generic password from the login keychain.
func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return out, nil
}

// keychainSet creates or updates (-U) a generic password.
func keychainSet(service, account, value string) error {
	out, err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain store %s/%s: %w: %s", service, account, err, out)
	}
	return nil
}
