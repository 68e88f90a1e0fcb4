//go:build !darwin

package config

import "testing"

func TestSecretsFile_SetThenGet(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	kc := NewKeychain()
	if err := kc.Set("ascmsync", "api_token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := kc.Get("ascmsync", "api_token")
	if err != nil || got != "abc" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if _, err := kc.Get("ascmsync", "missing"); err == nil {
		t.Error("expected error for missing account")
	}
	if tok, err := GetServerToken(kc); err != nil || len(tok) != 64 {
		t.Errorf("GetServerToken() = %q, %v", tok, err)
	}
}
