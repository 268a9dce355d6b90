package mailer

import (
	"context"
	"fmt"

	"github.com/canopyflow/canopy/internal/crypto"
	"github.com/canopyflow/canopy/internal/storage"
)

// StoredCredentials resolves per-owner SMTP settings from the state
// store, decrypting the password at lookup time.
type StoredCredentials struct {
	repo   storage.SMTPSettingsRepository
	cipher *crypto.Cipher
}

// NewStoredCredentials creates a credential source over the settings
// repository.
func NewStoredCredentials(repo storage.SMTPSettingsRepository, cipher *crypto.Cipher) *StoredCredentials {
	return &StoredCredentials{repo: repo, cipher: cipher}
}

// Lookup implements CredentialSource.
func (s *StoredCredentials) Lookup(ctx context.Context, owner string) (Config, error) {
	settings, err := s.repo.Get(ctx, owner)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Host:     settings.Host,
		Port:     settings.Port,
		Username: settings.Username,
		From:     settings.FromAddress,
	}
	if settings.EncryptedPassword != "" {
		password, err := s.cipher.Decrypt(settings.EncryptedPassword)
		if err != nil {
			return Config{}, fmt.Errorf("failed to decrypt SMTP password: %w", err)
		}
		cfg.Password = password
	}

	return cfg, nil
}
