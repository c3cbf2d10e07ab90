package clientcrypto

import (
	"bytes"
	"testing"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	t.Parallel()

	secret, err := Rand(SecretLen)
	if err != nil {
		t.Fatalf("rand: %v", err)
	}
	salt, _ := Rand(VaultSalt)
	key := DeriveVaultKey(secret, salt)
	if len(key) != KeyLen {
		t.Fatalf("key len = %d", len(key))
	}

	aad := []byte("device-1")
	pt := []byte(`{"access_token":"x"}`)

	sealed, err := Seal(key, aad, pt)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(key, aad, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch: %q", got)
	}
}

func TestOpen_RejectsWrongAADAndKey(t *testing.T) {
	t.Parallel()

	secret, _ := Rand(SecretLen)
	salt, _ := Rand(VaultSalt)
	key := DeriveVaultKey(secret, salt)

	sealed, err := Seal(key, []byte("aad"), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(key, []byte("other"), sealed); err == nil {
		t.Fatalf("want failure on AAD mismatch")
	}

	other := DeriveVaultKey(secret, append([]byte(nil), append(salt[:len(salt)-1], salt[len(salt)-1]^1)...))
	if _, err := Open(other, []byte("aad"), sealed); err == nil {
		t.Fatalf("want failure on wrong key")
	}

	if _, err := Open(key, []byte("aad"), sealed[:8]); err == nil {
		t.Fatalf("want failure on truncated blob")
	}
}
