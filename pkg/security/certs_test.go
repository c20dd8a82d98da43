package security

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadCertToFile(t *testing.T) {
	setupTestKey(t)

	tmpCertDir, err := os.MkdirTemp("", "arca-cert-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpCertDir)

	ca := NewCertAuthority()
	require.NoError(t, ca.Initialize())

	cert, err := ca.IssueComponentCertificate("csi-node", []string{}, []net.IP{})
	require.NoError(t, err)

	require.NoError(t, SaveCertToFile(cert, tmpCertDir))

	require.FileExists(t, filepath.Join(tmpCertDir, "component.crt"))
	require.FileExists(t, filepath.Join(tmpCertDir, "component.key"))

	loadedCert, err := LoadCertFromFile(tmpCertDir)
	require.NoError(t, err)
	require.Equal(t, cert.Leaf.Subject.CommonName, loadedCert.Leaf.Subject.CommonName)
}

func TestSaveLoadCACertToFile(t *testing.T) {
	setupTestKey(t)

	tmpCertDir, err := os.MkdirTemp("", "arca-cert-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpCertDir)

	ca := NewCertAuthority()
	require.NoError(t, ca.Initialize())

	caCertDER := ca.GetRootCACert()
	require.NoError(t, SaveCACertToFile(caCertDER, tmpCertDir))
	require.FileExists(t, filepath.Join(tmpCertDir, "ca.crt"))

	loadedCACert, err := LoadCACertFromFile(tmpCertDir)
	require.NoError(t, err)
	require.True(t, loadedCACert.Equal(ca.rootCert))
}

func TestCertExists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "arca-cert-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	require.False(t, CertExists(tmpDir))

	certPath := filepath.Join(tmpDir, "ca.crt")
	keyPath := filepath.Join(tmpDir, "ca.key.enc")

	require.NoError(t, os.WriteFile(certPath, []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0600))

	require.True(t, CertExists(tmpDir))

	require.NoError(t, os.Remove(keyPath))
	require.False(t, CertExists(tmpDir))
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{"expiring in 1 day", time.Now().Add(24 * time.Hour), true},
		{"expiring in 29 days", time.Now().Add(29 * 24 * time.Hour), true},
		{"expiring in 31 days", time.Now().Add(31 * 24 * time.Hour), false},
		{"expiring in 60 days", time.Now().Add(60 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			require.Equal(t, tt.needsRot, CertNeedsRotation(cert))
		})
	}

	require.True(t, CertNeedsRotation(nil))
}

func TestValidateCertChain(t *testing.T) {
	setupTestKey(t)

	ca := NewCertAuthority()
	require.NoError(t, ca.Initialize())

	cert, err := ca.IssueComponentCertificate("csi-controller", []string{}, []net.IP{})
	require.NoError(t, err)

	require.NoError(t, ValidateCertChain(cert.Leaf, ca.rootCert))
	require.Error(t, ValidateCertChain(nil, ca.rootCert))
	require.Error(t, ValidateCertChain(cert.Leaf, nil))
}

func TestGetComponentCertDir(t *testing.T) {
	tests := []struct {
		baseDir   string
		component string
	}{
		{"/etc/arca/certs", "rest-server"},
		{"/etc/arca/certs", "csi-controller"},
	}

	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			certDir := GetComponentCertDir(tt.baseDir, tt.component)
			require.Equal(t, tt.component, filepath.Base(certDir))
		})
	}
}

func TestRemoveCerts(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "arca-cert-test-*")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "component.crt"), []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "component.key"), []byte("key"), 0600))

	require.NoError(t, RemoveCerts(tmpDir))

	_, err = os.Stat(tmpDir)
	require.True(t, os.IsNotExist(err))
}
