package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const certRotationThreshold = 30 * 24 * time.Hour

// GetComponentCertDir returns the certificate directory for a named
// control-plane component under baseDir.
func GetComponentCertDir(baseDir, component string) string {
	return filepath.Join(baseDir, component)
}

// SaveCertToFile saves a TLS certificate's leaf and RSA private key to
// certDir.
func SaveCertToFile(cert *tls.Certificate, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("creating cert directory: %w", err)
	}

	certPath := filepath.Join(certDir, "component.crt")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}

	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not RSA")
	}
	keyPath := filepath.Join(certDir, "component.key")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	return nil
}

// LoadCertFromFile loads a TLS certificate previously saved with
// SaveCertToFile.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "component.crt")
	keyPath := filepath.Join(certDir, "component.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// SaveCACertToFile PEM-encodes the DER CA certificate and writes it to
// certDir/ca.crt.
func SaveCACertToFile(caCert []byte, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("creating cert directory: %w", err)
	}
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert})
	if err := os.WriteFile(caPath, caPEM, 0644); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}
	return nil
}

// LoadCACertFromFile loads the CA certificate from certDir.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decoding CA certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func loadEncryptedKey(certDir string) ([]byte, error) {
	return os.ReadFile(filepath.Join(certDir, "ca.key.enc"))
}

func saveEncryptedKey(certDir string, encrypted []byte) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("creating cert directory: %w", err)
	}
	return os.WriteFile(filepath.Join(certDir, "ca.key.enc"), encrypted, 0600)
}

// CertExists reports whether a full CA + root key pair exists in
// certDir.
func CertExists(certDir string) bool {
	_, err1 := os.Stat(filepath.Join(certDir, "ca.crt"))
	_, err2 := os.Stat(filepath.Join(certDir, "ca.key.enc"))
	return err1 == nil && err2 == nil
}

// CertNeedsRotation reports whether cert is within the rotation
// threshold of expiry.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain verifies cert was signed by ca.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("verifying certificate chain: %w", err)
	}
	return nil
}

// RemoveCerts deletes every file under certDir.
func RemoveCerts(certDir string) error {
	return os.RemoveAll(certDir)
}
