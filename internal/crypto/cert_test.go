package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateServerCertPair(t *testing.T) {
	certPEM, keyPEM, err := GenerateServerCertPair("gpu-box", "10.0.0.1", "node.example.com")
	require.NoError(t, err)

	_, err = tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "clusterlinkd-gpu-box", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.Contains(t, cert.DNSNames, "node.example.com")
	assert.NoError(t, cert.VerifyHostname("127.0.0.1"))
	assert.NoError(t, cert.VerifyHostname("10.0.0.1"))
}

func TestEnsureServerCertPairKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "server.crt")
	keyPath := filepath.Join(dir, "keys", "server.key")

	require.NoError(t, EnsureServerCertPair("a", certPath, keyPath))
	first, err := os.ReadFile(certPath)
	require.NoError(t, err)

	require.NoError(t, EnsureServerCertPair("a", certPath, keyPath))
	second, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
}

func TestEncryptDecrypt(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	tok, err := Encrypt(key, "s3cret")
	require.NoError(t, err)
	assert.NotContains(t, tok, "s3cret")

	plain, err := Decrypt(key, tok)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)

	other, err := GenerateKey()
	require.NoError(t, err)
	_, err = Decrypt(other, tok)
	assert.Error(t, err)

	empty, err := Decrypt(key, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "****cdef", Mask("abcdef"))
	assert.Equal(t, "****", Mask("abc"))
	assert.Equal(t, "", Mask(""))
}
