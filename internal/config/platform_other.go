//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "ascmsync")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "ascmsync", "config.json")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func newPlatformBackend() Backend {
	return openFileStore(configFilePath())
}

// Secrets share the file store format, keyed "service/account".
func keychainGet(service, account string) (string, error) {
	v, ok, _ := openFileStore(secretsFilePath()).Lookup(service + "/" + account)
	if !ok {
		return "", fmt.Errorf("no secret for %s/%s", service, account)
	}
	return v, nil
}

func keychainSet(service, account, value string) error {
	return openFileStore(secretsFilePath()).Store(service+"/"+account, value)
}
