// Package credential resolves tunnel secrets from the OS keyring, falling
// back to values sealed in the profile database.
package credential

import (
	"context"
	"errors"
	"fmt"

	"xenlink/internal/security"
	"xenlink/internal/storage"
	"xenlink/internal/tunnel"

	log "github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

const DefaultService = "xenlink"

var kinds = []tunnel.SecretKind{
	tunnel.SecretWireGuardPrivateKey,
	tunnel.SecretWireGuardPresharedKey,
	tunnel.SecretSSHPassword,
	tunnel.SecretSSHPrivateKey,
}

// Vault holds sealed values. *storage.Database implements it.
type Vault interface {
	PutSecret(ctx context.Context, profileID int64, kind, sealed string) error
	Secret(ctx context.Context, profileID int64, kind string) (string, error)
	DeleteSecrets(ctx context.Context, profileID int64) error
}

type Store struct {
	service string
	vault   Vault
	crypto  *security.CryptoManager
}

var _ tunnel.CredentialStore = (*Store)(nil)

type Option func(*Store)

// WithFallback seals secrets into vault when the keyring is unavailable.
func WithFallback(vault Vault, crypto *security.CryptoManager) Option {
	return func(s *Store) {
		s.vault = vault
		s.crypto = crypto
	}
}

func New(service string, opts ...Option) *Store {
	if service == "" {
		service = DefaultService
	}
	s := &Store{service: service}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func user(profileID int64, kind tunnel.SecretKind) string {
	return fmt.Sprintf("profile/%d/%s", profileID, kind)
}

func (s *Store) hasFallback() bool {
	return s.vault != nil && s.crypto != nil
}

func (s *Store) Secret(ctx context.Context, profileID int64, kind tunnel.SecretKind) (string, error) {
	v, err := keyring.Get(s.service, user(profileID, kind))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		log.WithError(err).Debug("Keyring unavailable, trying sealed store")
	}
	if !s.hasFallback() {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", tunnel.ErrSecretNotFound
		}
		return "", fmt.Errorf("keyring: %w", err)
	}

	sealed, err := s.vault.Secret(ctx, profileID, string(kind))
	if errors.Is(err, storage.ErrSecretNotFound) {
		return "", tunnel.ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return s.crypto.Decrypt(sealed)
}

// Set stores value in the keyring, or sealed in the vault when the keyring
// cannot be written.
func (s *Store) Set(ctx context.Context, profileID int64, kind tunnel.SecretKind, value string) error {
	err := keyring.Set(s.service, user(profileID, kind), value)
	if err == nil {
		return nil
	}
	if !s.hasFallback() {
		return fmt.Errorf("keyring: %w", err)
	}

	log.WithError(err).WithField("profile", profileID).Warn("Keyring unavailable, sealing secret in database")
	sealed, err := s.crypto.Encrypt(value)
	if err != nil {
		return err
	}
	return s.vault.PutSecret(ctx, profileID, string(kind), sealed)
}

// Delete forgets every secret of the profile.
func (s *Store) Delete(ctx context.Context, profileID int64) error {
	for _, kind := range kinds {
		err := keyring.Delete(s.service, user(profileID, kind))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			log.WithError(err).WithField("kind", kind).Debug("Keyring delete failed")
		}
	}
	if s.hasFallback() {
		return s.vault.DeleteSecrets(ctx, profileID)
	}
	return nil
}
