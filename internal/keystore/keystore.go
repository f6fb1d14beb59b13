// Package keystore persists the room's secret material (the AES
// session key, the stored password hash and the device RSA private
// key) in the system keychain, falling back to 0600 files in the
// config directory on headless hosts without a secret service.
package keystore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keychain service identifier
const ServiceName = "lanroom"

const (
	secretSessionKey   = "session-key"
	secretPasswordHash = "password-hash"
	secretPrivateKey   = "private-key"
)

// ErrNotFound is returned when a secret has not been stored yet
var ErrNotFound = errors.New("secret not found in keystore")

// Keystore stores and retrieves room secrets.
type Keystore struct {
	dir        string
	useKeyring bool
}

// New creates a keystore rooted at dir. The system keychain is probed
// once; if unavailable, file fallback is used for the lifetime of the
// keystore.
func New(dir string) *Keystore {
	ks := &Keystore{dir: dir, useKeyring: keyringAvailable()}
	if !ks.useKeyring {
		slog.Debug("system keychain unavailable, using file fallback", "dir", dir)
	}
	return ks
}

// NewFileOnly creates a keystore that never touches the system
// keychain. Used by tests and by explicit configuration.
func NewFileOnly(dir string) *Keystore {
	return &Keystore{dir: dir, useKeyring: false}
}

func keyringAvailable() bool {
	_, err := keyring.Get(ServiceName, "availability-probe")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// SetSessionKey stores the room AES session key.
func (ks *Keystore) SetSessionKey(key []byte) error {
	return ks.set(secretSessionKey, base64.StdEncoding.EncodeToString(key))
}

// SessionKey retrieves the room AES session key.
func (ks *Keystore) SessionKey() ([]byte, error) {
	val, err := ks.get(secretSessionKey)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	return key, nil
}

// SetPasswordHash stores the room password hash.
func (ks *Keystore) SetPasswordHash(hash []byte) error {
	return ks.set(secretPasswordHash, base64.StdEncoding.EncodeToString(hash))
}

// PasswordHash retrieves the room password hash.
func (ks *Keystore) PasswordHash() ([]byte, error) {
	val, err := ks.get(secretPasswordHash)
	if err != nil {
		return nil, err
	}
	hash, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("decode password hash: %w", err)
	}
	return hash, nil
}

// SetPrivateKeyPEM stores the device RSA private key.
func (ks *Keystore) SetPrivateKeyPEM(pemStr string) error {
	return ks.set(secretPrivateKey, pemStr)
}

// PrivateKeyPEM retrieves the device RSA private key.
func (ks *Keystore) PrivateKeyPEM() (string, error) {
	return ks.get(secretPrivateKey)
}

// Clear removes all stored secrets. Missing secrets are not an error.
func (ks *Keystore) Clear() error {
	var firstErr error
	for _, name := range []string{secretSessionKey, secretPasswordHash, secretPrivateKey} {
		if err := ks.delete(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ks *Keystore) set(name, value string) error {
	if ks.useKeyring {
		if err := keyring.Set(ServiceName, name, value); err != nil {
			return fmt.Errorf("keychain set %s: %w", name, err)
		}
		return nil
	}
	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	if err := os.WriteFile(ks.path(name), []byte(value), 0o600); err != nil {
		return fmt.Errorf("write secret %s: %w", name, err)
	}
	return nil
}

func (ks *Keystore) get(name string) (string, error) {
	if ks.useKeyring {
		val, err := keyring.Get(ServiceName, name)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return "", ErrNotFound
			}
			return "", fmt.Errorf("keychain get %s: %w", name, err)
		}
		return val, nil
	}
	data, err := os.ReadFile(ks.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return string(data), nil
}

func (ks *Keystore) delete(name string) error {
	if ks.useKeyring {
		err := keyring.Delete(ServiceName, name)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}
	err := os.Remove(ks.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (ks *Keystore) path(name string) string {
	return filepath.Join(ks.dir, name+".secret")
}
