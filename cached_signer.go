package connectproxy

import (
	"crypto/tls"
	"time"
)

// cachedCertificate serves a certificate from a provider and asks the
// provider again once ttl has passed, so certificates rotated on disk are
// picked up without a restart. A failed refresh keeps the previous
// certificate in service.
type cachedCertificate struct {
	provider CertificateProvider
	ttl      time.Duration
	now      func() time.Time

	semaphore chan struct{}
	cert      *tls.Certificate
	expiresAt time.Time
}

func newCachedCertificate(provider CertificateProvider, ttl time.Duration) *cachedCertificate {
	return &cachedCertificate{
		provider:  provider,
		ttl:       ttl,
		now:       time.Now,
		semaphore: make(chan struct{}, 1),
	}
}

func (c *cachedCertificate) get() (*tls.Certificate, error) {
	c.semaphore <- struct{}{}
	defer func() { <-c.semaphore }()

	now := c.now()
	if c.cert != nil && (c.ttl <= 0 || now.Before(c.expiresAt)) {
		return c.cert, nil
	}

	cert, err := c.provider()
	if err != nil {
		if c.cert != nil {
			c.expiresAt = now.Add(c.ttl)
			return c.cert, nil
		}
		return nil, err
	}
	c.cert = &cert
	c.expiresAt = now.Add(c.ttl)
	return c.cert, nil
}

// getCertificate is shaped for tls.Config.GetCertificate.
func (c *cachedCertificate) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return c.get()
}
