package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyFromClusterID(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	require.Len(t, key, 32)

	sameKey := DeriveKeyFromClusterID("test-cluster")
	require.Equal(t, key, sameKey)

	otherKey := DeriveKeyFromClusterID("other-cluster")
	require.NotEqual(t, key, otherKey)
}

func TestSetClusterEncryptionKey(t *testing.T) {
	require.NoError(t, SetClusterEncryptionKey(make([]byte, 32)))
	require.Error(t, SetClusterEncryptionKey(make([]byte, 16)))
	require.Error(t, SetClusterEncryptionKey(make([]byte, 64)))
	require.Error(t, SetClusterEncryptionKey([]byte{}))
}

func TestEncryptDecrypt(t *testing.T) {
	require.NoError(t, SetClusterEncryptionKey(DeriveKeyFromClusterID("test-cluster")))

	plaintext := []byte("root CA private key material")

	ciphertext, err := Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	require.NoError(t, SetClusterEncryptionKey(DeriveKeyFromClusterID("test-cluster")))

	_, err := Decrypt([]byte("short"))
	require.Error(t, err)
}

func TestEncryptRequiresKey(t *testing.T) {
	clusterEncryptionKey = nil

	_, err := Encrypt([]byte("data"))
	require.Error(t, err)

	_, err = Decrypt([]byte("data"))
	require.Error(t, err)
}
