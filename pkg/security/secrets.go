package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// encryptedTokenPrefix tags stored subnet tokens that went through
// EncryptToken. Untagged values are plaintext rows written before
// ACN_SECRETS_PASSWORD was configured.
const encryptedTokenPrefix = "enc-v1:"

// SecretsManager handles encryption and decryption of subnet credentials
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
	}, nil
}

// NewSecretsManagerFromPassword creates a secrets manager using a password
// The password is hashed with SHA-256 to derive the encryption key
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	// Derive 32-byte key from password using SHA-256
	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// EncryptSecret encrypts plaintext data using AES-256-GCM
// Returns encrypted data with nonce prepended
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret
// Expects nonce to be prepended to ciphertext
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Check minimum length
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	// Extract nonce and ciphertext
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	// Decrypt
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptToken encrypts a subnet secret token for storage at rest and tags
// the result so DecryptToken can tell it apart from plaintext rows
func (sm *SecretsManager) EncryptToken(token string) (string, error) {
	encrypted, err := sm.EncryptSecret([]byte(token))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return encryptedTokenPrefix + base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptToken returns the plaintext of a stored subnet token. Untagged
// values pass through unchanged so rows written without encryption at rest
// keep working after ACN_SECRETS_PASSWORD is configured.
func (sm *SecretsManager) DecryptToken(stored string) (string, error) {
	if !IsEncryptedToken(stored) {
		return stored, nil
	}

	encrypted, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encryptedTokenPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed encrypted token: %w", err)
	}

	plaintext, err := sm.DecryptSecret(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// IsEncryptedToken reports whether a stored token carries the encryption tag
func IsEncryptedToken(stored string) bool {
	return strings.HasPrefix(stored, encryptedTokenPrefix)
}
