package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// DeriveKeyFromClusterID derives a 32-byte AES-256 key from the
// cluster ID, used to encrypt the root CA key at rest.
func DeriveKeyFromClusterID(clusterID string) []byte {
	hash := sha256.Sum256([]byte(clusterID))
	return hash[:]
}

var clusterEncryptionKey []byte

// SetClusterEncryptionKey installs the key Encrypt/Decrypt use. Must be
// called once before CertAuthority.SaveToDir/LoadFromDir.
func SetClusterEncryptionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	clusterEncryptionKey = key
	return nil
}

// Encrypt encrypts plaintext with the cluster encryption key under
// AES-256-GCM, prepending the nonce to the returned ciphertext.
func Encrypt(plaintext []byte) ([]byte, error) {
	if len(clusterEncryptionKey) == 0 {
		return nil, fmt.Errorf("cluster encryption key not set")
	}

	block, err := aes.NewCipher(clusterEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext []byte) ([]byte, error) {
	if len(clusterEncryptionKey) == 0 {
		return nil, fmt.Errorf("cluster encryption key not set")
	}

	block, err := aes.NewCipher(clusterEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
