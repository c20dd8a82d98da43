// Package security issues the TLS certificates the REST Server and CSI
// processes use for mutual authentication, and reports when a leaf
// certificate is due for rotation (CertNeedsRotation): a long-lived
// cluster root CA, short-lived leaf certificates per component, and the
// AES-256-GCM encryption the root key is kept at rest under.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// CertAuthority issues and verifies certificates for cluster-internal
// mTLS: the REST Server, the CSI Controller, and the CSI Node plugin.
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is a previously issued leaf certificate.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

const (
	rootCAValidity    = 10 * 365 * 24 * time.Hour
	leafCertValidity  = 90 * 24 * time.Hour
	rootKeySize       = 4096
	leafKeySize       = 2048
)

// NewCertAuthority constructs an uninitialized CertAuthority.
func NewCertAuthority() *CertAuthority {
	return &CertAuthority{certCache: make(map[string]*CachedCert)}
}

// Initialize generates a fresh root CA key pair and self-signed
// certificate.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"ARCA Storage Cluster"},
			CommonName:   "ARCA Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromDir loads the root CA certificate and encrypted private key
// from certDir, as written by SaveToDir.
func (ca *CertAuthority) LoadFromDir(certDir string) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootCert, err := LoadCACertFromFile(certDir)
	if err != nil {
		return fmt.Errorf("loading root certificate: %w", err)
	}

	encryptedKey, err := loadEncryptedKey(certDir)
	if err != nil {
		return fmt.Errorf("loading root key: %w", err)
	}
	decryptedKey, err := Decrypt(encryptedKey)
	if err != nil {
		return fmt.Errorf("decrypting root key: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("parsing root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToDir persists the root CA certificate in the clear and its
// private key AES-256-GCM-encrypted under the cluster encryption key.
func (ca *CertAuthority) SaveToDir(certDir string) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("ca not initialized")
	}

	if err := SaveCACertToFile(ca.rootCert.Raw, certDir); err != nil {
		return fmt.Errorf("saving root certificate: %w", err)
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("encrypting root key: %w", err)
	}
	if err := saveEncryptedKey(certDir, encryptedKey); err != nil {
		return fmt.Errorf("saving root key: %w", err)
	}
	return nil
}

// IssueComponentCertificate issues a leaf certificate for a named
// control-plane component (e.g. "rest-server", "csi-controller",
// "csi-node"), valid for both client and server auth.
func (ca *CertAuthority) IssueComponentCertificate(component string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("ca not initialized")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"ARCA Storage Cluster"},
			CommonName:   component,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(leafCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating leaf certificate: %w", err)
	}
	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  leafKey,
		Leaf:        leafCert,
	}
	ca.cacheCertificate(component, leafCert, leafKey)
	return tlsCert, nil
}

// VerifyCertificate checks cert against the root CA.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("ca not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("verifying certificate: %w", err)
	}
	return nil
}

// GetRootCACert returns the root CA certificate in DER form.
func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// IsInitialized reports whether the CA holds a root cert and key.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func (ca *CertAuthority) cacheCertificate(id string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.certCache[id] = &CachedCert{
		Cert:      cert,
		Key:       key,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}
}

// GetCachedCert returns a previously issued certificate for id.
func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, ok := ca.certCache[id]
	return cert, ok
}

// LoadComponentMTLS is the one-call path a CSI process uses to join the
// cluster's mTLS mesh: it installs the cluster encryption key, loads the
// CA from certDir, issues a leaf certificate for component, and returns
// it alongside a pool trusting the cluster root for verifying the REST
// Server's own leaf.
func LoadComponentMTLS(clusterID, certDir, component string) (*tls.Certificate, *x509.CertPool, error) {
	if err := SetClusterEncryptionKey(DeriveKeyFromClusterID(clusterID)); err != nil {
		return nil, nil, fmt.Errorf("setting cluster encryption key: %w", err)
	}

	ca := NewCertAuthority()
	if err := ca.LoadFromDir(certDir); err != nil {
		return nil, nil, fmt.Errorf("loading cluster CA: %w", err)
	}

	leafCert, err := ca.IssueComponentCertificate(component, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("issuing %s certificate: %w", component, err)
	}

	rootCerts := x509.NewCertPool()
	rootCerts.AddCert(ca.rootCert)
	return leafCert, rootCerts, nil
}
