package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	s := New(t.TempDir())

	in := &Credentials{
		AccessToken:    "acc",
		RefreshToken:   "ref",
		SessionID:      "sid-1",
		DeviceID:       "dev-1",
		Email:          "a@b.c",
		Remembered:     true,
		TokenExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.RefreshToken != "ref" || out.SessionID != "sid-1" || !out.Remembered {
		t.Fatalf("loaded %+v does not match saved", out)
	}
}

func TestLoad_Empty(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Load(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("got %v, want ErrNoCredentials", err)
	}
}

func TestClear(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Save(&Credentials{AccessToken: "a"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("got %v, want ErrNoCredentials after clear", err)
	}
	// Clearing twice is fine.
	if err := s.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestVaultBoundToDeviceSecret(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Save(&Credentials{RefreshToken: "secret"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Vault copied to another device (different device.key) must not open.
	otherDir := t.TempDir()
	sealed, err := os.ReadFile(filepath.Join(dir, "vault.bin"))
	if err != nil {
		t.Fatalf("read vault: %v", err)
	}
	other := New(otherDir)
	if _, err := other.deviceSecret(); err != nil {
		t.Fatalf("other secret: %v", err)
	}
	if err := os.WriteFile(filepath.Join(otherDir, "vault.bin"), sealed, 0o600); err != nil {
		t.Fatalf("copy vault: %v", err)
	}
	if _, err := other.Load(); err == nil {
		t.Fatal("vault opened with a different device secret")
	}
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Save(&Credentials{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, name := range []string{"vault.bin", "device.key"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("%s mode %v, want 0600", name, info.Mode().Perm())
		}
	}
}
