package connectproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	vhost "github.com/Windscribe/go-vhost"
	"go.uber.org/zap"
)

var ErrNotTLS = errors.New("connectproxy: client did not start a TLS session")

func newServerTLSConfig(certs *cachedCertificate) *tls.Config {
	return &tls.Config{
		GetCertificate: certs.getCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1", "http/1.0"},
	}
}

// tlsStage terminates TLS on the client side. It replaces the raw transport
// with a server-side TLS session before the first read and is otherwise
// transparent, so it stays in place after the pipeline is rewritten into a
// relay.
type tlsStage struct {
	PassThrough
	config           *tls.Config
	handshakeTimeout time.Duration
}

func newTLSStage(config *tls.Config, handshakeTimeout time.Duration) *tlsStage {
	return &tlsStage{config: config, handshakeTimeout: handshakeTimeout}
}

func (s *tlsStage) wrapTransport(conn *Conn, transport net.Conn) (net.Conn, error) {
	if s.handshakeTimeout > 0 {
		if err := transport.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
			return nil, err
		}
	}

	// Peek at the ClientHello first so plain-text clients are turned away
	// before the handshake machinery gets involved.
	hello, err := vhost.TLS(transport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTLS, err)
	}

	ctx := context.Background()
	if s.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handshakeTimeout)
		defer cancel()
	}

	session := tls.Server(hello, s.config)
	if err := session.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	if err := transport.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	state := session.ConnectionState()
	conn.Logger().Debug(
		"tls established",
		zap.String("sni", hello.Host()),
		zap.String("version", tls.VersionName(state.Version)),
		zap.String("alpn", state.NegotiatedProtocol),
	)
	return session, nil
}

var _ transportWrapper = (*tlsStage)(nil)
