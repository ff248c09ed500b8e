package connectproxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constantHandler string

func (h constantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(h))
}

func TestSignerTLS(t *testing.T) {
	certPem, keyPem, err := signSelfX509([]string{"example.com", "1.1.1.1", "localhost"})
	require.NoError(t, err)
	cert, err := tls.X509KeyPair(certPem, keyPem)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	expected := "key verifies with Go"
	server := httptest.NewUnstartedServer(constantHandler(expected))
	defer server.Close()
	server.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	server.StartTLS()

	certpool := x509.NewCertPool()
	certpool.AddCert(leaf)
	tr := &http.Transport{TLSClientConfig: &tls.Config{RootCAs: certpool}}
	defer tr.CloseIdleConnections()

	asLocalhost := strings.Replace(server.URL, "127.0.0.1", "localhost", -1)
	req, err := http.NewRequest(http.MethodGet, asLocalhost, nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	txt, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, expected, string(txt))
}

func TestSignerX509(t *testing.T) {
	certPem, keyPem, err := signSelfX509([]string{"example.com", "1.1.1.1", "localhost"})
	require.NoError(t, err)
	tlsCert, err := tls.X509KeyPair(certPem, keyPem)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, "example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"example.com", "localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "1.1.1.1", cert.IPAddresses[0].String())
	assert.NoError(t, cert.VerifyHostname("example.com"))
	assert.NoError(t, cert.VerifyHostname("1.1.1.1"))
	assert.Error(t, cert.VerifyHostname("other.com"))
	assert.True(t, cert.NotAfter.After(time.Now().Add(300*24*time.Hour)))

	certpool := x509.NewCertPool()
	certpool.AddCert(cert)
	_, err = cert.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: certpool})
	assert.NoError(t, err)
}

func TestHashSorted(t *testing.T) {
	a := hashSorted([]string{"b", "a"})
	assert.Positive(t, a.Sign())
	assert.LessOrEqual(t, len(a.Bytes()), 16)
}

func TestSelfSignedCertificate(t *testing.T) {
	provider := SelfSignedCertificate("localhost", "127.0.0.1")
	first, err := provider()
	require.NoError(t, err)
	second, err := provider()
	require.NoError(t, err)

	require.NotNil(t, first.Leaf)
	assert.Equal(t, []string{"localhost"}, first.Leaf.DNSNames)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestCertificateFromFiles(t *testing.T) {
	certPem, keyPem, err := signSelfX509([]string{"proxy.test"})
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPem, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPem, 0o600))

	cert, err := CertificateFromFiles(certFile, keyFile)()
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "proxy.test", cert.Leaf.Subject.CommonName)

	_, err = CertificateFromFiles(filepath.Join(dir, "missing.pem"), keyFile)()
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))
	_, err = CertificateFromFiles(certFile, keyFile)()
	assert.Error(t, err)
}

func TestStaticCertificate(t *testing.T) {
	cert := tls.Certificate{Certificate: [][]byte{[]byte("der")}}
	got, err := StaticCertificate(cert)()
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate, got.Certificate)
}

func TestCachedCertificate(t *testing.T) {
	serial := 0
	fail := false
	provider := func() (tls.Certificate, error) {
		if fail {
			return tls.Certificate{}, errors.New("provider down")
		}
		serial++
		return tls.Certificate{Certificate: [][]byte{{byte(serial)}}}, nil
	}

	now := time.Unix(1_700_000_000, 0)
	c := newCachedCertificate(provider, time.Minute)
	c.now = func() time.Time { return now }

	got, err := c.get()
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.Certificate[0][0])

	now = now.Add(30 * time.Second)
	got, err = c.getCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.Certificate[0][0], "served from cache")

	now = now.Add(time.Minute)
	got, err = c.get()
	require.NoError(t, err)
	assert.Equal(t, byte(2), got.Certificate[0][0], "refreshed")

	fail = true
	now = now.Add(2 * time.Minute)
	got, err = c.get()
	require.NoError(t, err)
	assert.Equal(t, byte(2), got.Certificate[0][0], "kept after failed refresh")
}

func TestCachedCertificate_NoRefresh(t *testing.T) {
	calls := 0
	c := newCachedCertificate(func() (tls.Certificate, error) {
		calls++
		return tls.Certificate{}, nil
	}, 0)
	c.now = func() time.Time { return time.Now().Add(time.Duration(calls) * time.Hour) }

	for i := 0; i < 3; i++ {
		_, err := c.get()
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestCachedCertificate_FirstLoadFails(t *testing.T) {
	c := newCachedCertificate(func() (tls.Certificate, error) {
		return tls.Certificate{}, errors.New("no certificate")
	}, time.Minute)
	_, err := c.get()
	assert.EqualError(t, err, "no certificate")
}
