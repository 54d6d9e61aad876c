package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Certificate material laid out under the conductor's cert directory. The
// client pair is handed out-of-band to nodes joining the cluster.
const (
	CAFileName         = "ca.pem"
	CAKeyFileName      = "ca.key"
	ServerCertFileName = "server.pem"
	ServerKeyFileName  = "server.key"
	ClientCertFileName = "client.pem"
	ClientKeyFileName  = "client.key"
)

// Bootstrap ensures the conductor's cert directory holds a full set of
// credentials: root CA, server pair and a shared client pair. Existing
// material is left untouched; missing material is generated at first boot.
func Bootstrap(certDir string, hosts []string) error {
	if CertsExist(certDir) {
		return nil
	}

	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	ca := NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}

	dnsNames := []string{"localhost"}
	ipAddresses := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ipAddresses = append(ipAddresses, ip)
		} else if h != "" {
			dnsNames = append(dnsNames, h)
		}
	}

	serverCert, err := ca.IssueServerCertificate(dnsNames, ipAddresses)
	if err != nil {
		return fmt.Errorf("failed to issue server certificate: %w", err)
	}

	clientCert, err := ca.IssueClientCertificate("symphony-node")
	if err != nil {
		return fmt.Errorf("failed to issue client certificate: %w", err)
	}

	if err := writePEM(filepath.Join(certDir, CAFileName), "CERTIFICATE", ca.RootCert().Raw, 0644); err != nil {
		return err
	}
	if err := writePEM(filepath.Join(certDir, CAKeyFileName), "RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(ca.RootKey()), 0600); err != nil {
		return err
	}
	if err := saveCertPair(certDir, ServerCertFileName, ServerKeyFileName, serverCert); err != nil {
		return err
	}
	return saveCertPair(certDir, ClientCertFileName, ClientKeyFileName, clientCert)
}

// CertsExist reports whether the cert directory holds a complete set.
func CertsExist(certDir string) bool {
	for _, name := range []string{CAFileName, ServerCertFileName, ServerKeyFileName, ClientCertFileName, ClientKeyFileName} {
		if _, err := os.Stat(filepath.Join(certDir, name)); err != nil {
			return false
		}
	}
	return true
}

// ServerTLSConfig builds the conductor's listener TLS configuration. Client
// certificates are required and verified against the cluster CA.
func ServerTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(certDir, ServerCertFileName),
		filepath.Join(certDir, ServerKeyFileName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	pool, err := loadCAPool(filepath.Join(certDir, CAFileName))
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the TLS configuration a node or CLI client uses to
// dial the conductor. The server certificate is verified against the CA.
func ClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadCA restores the certificate authority from the cert directory.
func LoadCA(certDir string) (*CertAuthority, error) {
	certDER, err := readPEM(filepath.Join(certDir, CAFileName), "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyDER, err := readPEM(filepath.Join(certDir, CAKeyFileName), "RSA PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	ca := NewCertAuthority()
	ca.Load(cert, key)
	return ca, nil
}

func saveCertPair(certDir, certName, keyName string, cert *tls.Certificate) error {
	if err := writePEM(filepath.Join(certDir, certName), "CERTIFICATE", cert.Certificate[0], 0644); err != nil {
		return err
	}
	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not RSA")
	}
	return writePEM(filepath.Join(certDir, keyName), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("failed to decode %s block in %s", blockType, path)
	}
	return block.Bytes, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caFile)
	}
	return pool, nil
}
