package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/inkwell-go/internal/domain/settings"
	"github.com/inkwell-go/pkg/logger"
)

// Vault encrypts tenant API tokens at rest with AES-GCM.
type Vault struct {
	encryptionKey []byte
	logger        logger.Logger
}

func New(key string, logger logger.Logger) (*Vault, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &Vault{
		encryptionKey: []byte(key),
		logger:        logger,
	}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// EncryptSettings encrypts the token fields of a tenant's settings
// before they are persisted. Empty tokens stay empty.
func (v *Vault) EncryptSettings(s *settings.TenantSettings) error {
	if s.ReadwiseToken != "" {
		encrypted, err := v.Encrypt(s.ReadwiseToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt readwise token: %w", err)
		}
		s.ReadwiseToken = encrypted
	}

	if s.SparkImportToken != "" {
		encrypted, err := v.Encrypt(s.SparkImportToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt spark import token: %w", err)
		}
		s.SparkImportToken = encrypted
	}

	return nil
}

// DecryptSettings reverses EncryptSettings on a loaded row.
func (v *Vault) DecryptSettings(s *settings.TenantSettings) error {
	if s.ReadwiseToken != "" {
		decrypted, err := v.Decrypt(s.ReadwiseToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt readwise token: %w", err)
		}
		s.ReadwiseToken = decrypted
	}

	if s.SparkImportToken != "" {
		decrypted, err := v.Decrypt(s.SparkImportToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt spark import token: %w", err)
		}
		s.SparkImportToken = decrypted
	}

	return nil
}

// GenerateEncryptionKey generates a new 32-byte encryption key.
func GenerateEncryptionKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
