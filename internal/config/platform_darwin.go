//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.ascmsync.agent"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "ascmsync")
	}
	return "ascmsync-data"
}

// defaultsBackend keeps keys in the user defaults domain. Every value is
// written with -string.
type defaultsBackend struct{ domain string }

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := run("defaults", "read", b.domain, key)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w", key, err)
	}
	return out, true, nil
}

func (b defaultsBackend) Store(key, value string) error {
	_, err := run("defaults", "write", b.domain, key, "-string", value)
	return err
}

func (b defaultsBackend) Delete(key string) error {
	_, err := run("defaults", "delete", b.domain, key)
	return err
}

func keychainGet(service, account string) (string, error) {
	return run("security", "find-generic-password", "-s", service, "-a", account, "-w")
}

func keychainSet(service, account, value string) error {
	_, err := run("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value)
	return err
}

func run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	return strings.TrimSpace(string(out)), err
}
