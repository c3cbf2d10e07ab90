// Package credstore is the device-local encrypted credential vault. One
// process owns one vault; nothing is shared across devices.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/phelinki/smor-ting-sub004/internal/crypto/clientcrypto"
)

// Credentials is everything the session client persists between runs.
type Credentials struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	SessionID        string    `json:"session_id"`
	DeviceID         string    `json:"device_id"`
	Email            string    `json:"email"`
	Remembered       bool      `json:"remembered"`
	TokenExpiresAt   time.Time `json:"token_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	// BiometricSecret is the device-bound secret enrolled on the server.
	BiometricSecret []byte `json:"biometric_secret,omitempty"`
}

// ErrNoCredentials is returned by Load when the vault is empty.
var ErrNoCredentials = errors.New("no stored credentials")

const (
	vaultFile  = "vault.bin"
	secretFile = "device.key"
	vaultAAD   = "credstore-v1"
)

// Store seals credentials into a file keyed from a device-bound secret. The
// secret lives in a separate 0600 file, so copying the vault alone is useless.
type Store struct {
	dir string
}

// New creates a store rooted at dir.
func New(dir string) *Store { return &Store{dir: dir} }

// deviceSecret loads the device-bound secret, creating it on first use.
func (s *Store) deviceSecret() ([]byte, error) {
	path := filepath.Join(s.dir, secretFile)
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) != clientcrypto.SecretLen+clientcrypto.VaultSalt {
			return nil, fmt.Errorf("device key file corrupt")
		}
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	secret, err = clientcrypto.Rand(clientcrypto.SecretLen + clientcrypto.VaultSalt)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}

func (s *Store) vaultKey() ([]byte, error) {
	secret, err := s.deviceSecret()
	if err != nil {
		return nil, err
	}
	seed, salt := secret[:clientcrypto.SecretLen], secret[clientcrypto.SecretLen:]
	return clientcrypto.DeriveVaultKey(seed, salt), nil
}

// Save seals and writes the credentials. The write is atomic: a crash leaves
// either the old vault or the new one, never a torn file.
func (s *Store) Save(creds *Credentials) error {
	key, err := s.vaultKey()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := clientcrypto.Seal(key, []byte(vaultAAD), plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, vaultFile+".tmp")
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, vaultFile))
}

// Load opens and decrypts the vault.
func (s *Store) Load() (*Credentials, error) {
	sealed, err := os.ReadFile(filepath.Join(s.dir, vaultFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	key, err := s.vaultKey()
	if err != nil {
		return nil, err
	}
	plain, err := clientcrypto.Open(key, []byte(vaultAAD), sealed)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Clear removes the vault. The device secret stays so a later login reuses
// the same device identity.
func (s *Store) Clear() error {
	err := os.Remove(filepath.Join(s.dir, vaultFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
