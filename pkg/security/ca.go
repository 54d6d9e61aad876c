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

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Leaf certificate validity: 90 days
	leafCertValidity = 90 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived, high security)
	rootKeySize = 4096
	// Leaf key size: 2048 bits (shorter-lived, faster)
	leafKeySize = 2048
)

// CertAuthority is the cluster's certificate authority. The conductor
// generates one at first boot and signs the server and node client
// certificates with it.
type CertAuthority struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	mu       sync.RWMutex
}

// NewCertAuthority creates an empty certificate authority
func NewCertAuthority() *CertAuthority {
	return &CertAuthority{}
}

// Initialize generates a new self-signed root CA certificate
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Symphony Cluster"},
			CommonName:   "Symphony Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// Load restores a previously generated CA from its certificate and key.
func (ca *CertAuthority) Load(cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.rootCert = cert
	ca.rootKey = key
}

// IsInitialized returns true if the CA holds a root certificate and key
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

// RootCert returns the root CA certificate
func (ca *CertAuthority) RootCert() *x509.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert
}

// RootKey returns the root CA private key
func (ca *CertAuthority) RootKey() *rsa.PrivateKey {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootKey
}

// IssueServerCertificate issues the conductor's server certificate, valid
// for the given DNS names and IP addresses.
func (ca *CertAuthority) IssueServerCertificate(dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	return ca.issue(pkix.Name{
		Organization: []string{"Symphony Cluster"},
		CommonName:   "symphony-conductor",
	}, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, dnsNames, ipAddresses)
}

// IssueClientCertificate issues a client certificate for nodes and CLI
// clients connecting to the conductor.
func (ca *CertAuthority) IssueClientCertificate(commonName string) (*tls.Certificate, error) {
	return ca.issue(pkix.Name{
		Organization: []string{"Symphony Cluster"},
		CommonName:   commonName,
	}, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil, nil)
}

func (ca *CertAuthority) issue(subject pkix.Name, extUsage []x509.ExtKeyUsage, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(leafCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  extUsage,
		DNSNames:     dnsNames,
		IPAddresses:  ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  leafKey,
		Leaf:        leafCert,
	}, nil
}

// VerifyCertificate verifies a certificate against the root CA
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}
