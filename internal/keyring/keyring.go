// Package keyring stores the relay stream key in the OS keyring, or in an
// encrypted file on headless devices.
package keyring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"

	"go.olrik.dev/camwarden/internal/core"
)

// PasswordEnv unlocks the file backend on devices without a keyring daemon.
const PasswordEnv = "CAMWARDEN_KEYRING_PASSWORD"

var (
	ErrNoStreamKey = errors.New("no stream key stored")
	ErrMissingKey  = errors.New("no stream key in config or keyring")
)

// Store holds secrets for one config directory.
type Store struct {
	ring keyring.Keyring
}

// Open opens the first available backend. The file backend lives in the
// config directory.
func Open(configPath string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: core.KeyringServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
			keyring.KeychainBackend,      // macOS Keychain
			keyring.PassBackend,          // Pass (password-store.org)
			keyring.FileBackend,
		},
		FileDir: filepath.Join(configPath, "keyring"),
		FilePasswordFunc: func(prompt string) (string, error) {
			if password := os.Getenv(PasswordEnv); password != "" {
				return password, nil
			}
			return PromptSecret(prompt)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// StreamKey returns the stored stream key, or "" when none is stored.
func (s *Store) StreamKey() (string, error) {
	item, err := s.ring.Get(core.StreamKeyringEntry)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve stream key: %w", err)
	}
	return string(item.Data), nil
}

// SetStreamKey stores key.
func (s *Store) SetStreamKey(key string) error {
	return s.ring.Set(keyring.Item{
		Key:         core.StreamKeyringEntry,
		Data:        []byte(key),
		Label:       "camwarden stream key",
		Description: "Relay stream key",
	})
}

// DeleteStreamKey removes the stored stream key.
func (s *Store) DeleteStreamKey() error {
	err := s.ring.Remove(core.StreamKeyringEntry)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNoStreamKey
	}
	return err
}

// HasStreamKey reports whether a stream key is stored.
func (s *Store) HasStreamKey() bool {
	_, err := s.ring.Get(core.StreamKeyringEntry)
	return err == nil
}

// KeyFunc resolves the stream key: output.key from the config wins, the
// keyring is the fallback.
func (s *Store) KeyFunc() func(cfg *core.Configuration) (string, error) {
	return func(cfg *core.Configuration) (string, error) {
		if cfg.Output.Key != "" {
			return cfg.Output.Key, nil
		}
		key, err := s.StreamKey()
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", ErrMissingKey
		}
		return key, nil
	}
}
