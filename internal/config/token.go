package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// platformKeychain reads and writes the OS secret store.
type platformKeychain struct{}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 secrets file elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

func (platformKeychain) Get(service, account string) (string, error) {
	v, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetServerToken returns the bearer token guarding the local HTTP API,
// generating and storing one on first use.
func GetServerToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(keychainService, "server_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating server token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, "server_token", tok); err != nil {
		return "", fmt.Errorf("storing server token: %w", err)
	}
	return tok, nil
}
