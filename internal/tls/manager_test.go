package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func TestDevCertGeneratorReusesValidCert(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"identity.local", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "identity.local")
	require.Len(t, leaf.IPAddresses, 1)

	second, err := gen.GenerateCert([]string{"identity.local"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	gen.now = func() time.Time { return time.Now().Add(2 * devCertValidity) }
	third, err := gen.GenerateCert([]string{"identity.local"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], third.Certificate[0])
}

func TestManagerFallsBackToDevCert(t *testing.T) {
	m := NewManager(config.ServerConfig{Domain: "localhost", AutoCertDir: t.TempDir()}, config.EnvDevelopment)
	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)
	assert.Nil(t, m.AutocertManager())
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	m := NewManager(config.ServerConfig{Domain: "id.example.com", AutoCertDir: t.TempDir()}, config.EnvProduction)
	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "id.example.com"})
	assert.ErrorIs(t, err, ErrNoCertificate)

	cfg := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}
