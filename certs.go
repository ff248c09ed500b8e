package connectproxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// CertificateProvider supplies the certificate the proxy presents to its
// clients. It is called when the server starts and again each time
// Options.CertificateRefresh elapses.
type CertificateProvider func() (tls.Certificate, error)

// StaticCertificate always returns cert.
func StaticCertificate(cert tls.Certificate) CertificateProvider {
	return func() (tls.Certificate, error) {
		return cert, nil
	}
}

// CertificateFromFiles loads a PEM encoded certificate chain and key.
func CertificateFromFiles(certFile, keyFile string) CertificateProvider {
	return func() (tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("loading certificate: %w", err)
		}
		return withLeaf(cert)
	}
}

// SelfSignedCertificate generates a fresh self-signed certificate for
// hosts. Every call generates a new key pair.
func SelfSignedCertificate(hosts ...string) CertificateProvider {
	return func() (tls.Certificate, error) {
		pemCert, pemKey, err := signSelfX509(hosts)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("generating certificate: %w", err)
		}
		cert, err := tls.X509KeyPair(pemCert, pemKey)
		if err != nil {
			return tls.Certificate{}, err
		}
		return withLeaf(cert)
	}
}

func withLeaf(cert tls.Certificate) (tls.Certificate, error) {
	if cert.Leaf != nil || len(cert.Certificate) == 0 {
		return cert, nil
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.Leaf = leaf
	return cert, nil
}
