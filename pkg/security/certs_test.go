package security

import (
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapGeneratesFullSet(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Bootstrap(dir, []string{"conductor.internal", "10.0.0.5"}))
	assert.True(t, CertsExist(dir))

	ca, err := LoadCA(dir)
	require.NoError(t, err)
	assert.True(t, ca.IsInitialized())
	assert.True(t, ca.RootCert().IsCA)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Bootstrap(dir, nil))

	before, err := readPEM(filepath.Join(dir, CAFileName), "CERTIFICATE")
	require.NoError(t, err)

	// Second boot must not regenerate material.
	require.NoError(t, Bootstrap(dir, nil))
	after, err := readPEM(filepath.Join(dir, CAFileName), "CERTIFICATE")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIssuedCertsVerifyAgainstCA(t *testing.T) {
	ca := NewCertAuthority()
	require.NoError(t, ca.Initialize())

	server, err := ca.IssueServerCertificate([]string{"localhost"}, nil)
	require.NoError(t, err)
	assert.NoError(t, ca.VerifyCertificate(server.Leaf))
	assert.Contains(t, server.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)

	client, err := ca.IssueClientCertificate("symphony-node")
	require.NoError(t, err)
	assert.NoError(t, ca.VerifyCertificate(client.Leaf))
	assert.Contains(t, client.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.Equal(t, "symphony-node", client.Leaf.Subject.CommonName)
}

func TestForeignCertFailsVerification(t *testing.T) {
	ca := NewCertAuthority()
	require.NoError(t, ca.Initialize())

	other := NewCertAuthority()
	require.NoError(t, other.Initialize())

	cert, err := other.IssueClientCertificate("intruder")
	require.NoError(t, err)
	assert.Error(t, ca.VerifyCertificate(cert.Leaf))
}

func TestTLSConfigs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Bootstrap(dir, []string{"127.0.0.1"}))

	serverCfg, err := ServerTLSConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)
	assert.NotNil(t, serverCfg.ClientCAs)
	require.Len(t, serverCfg.Certificates, 1)

	clientCfg, err := ClientTLSConfig(
		filepath.Join(dir, ClientCertFileName),
		filepath.Join(dir, ClientKeyFileName),
		filepath.Join(dir, CAFileName),
	)
	require.NoError(t, err)
	assert.NotNil(t, clientCfg.RootCAs)
	require.Len(t, clientCfg.Certificates, 1)
}
