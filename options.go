package connectproxy

import (
	"errors"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Note: If you add a new option X make sure you also add a WithX method on Options.

// Options are params for creating a Server.
// The logic behind them is inspired by Badger DB (hypermodeinc/badger).
//
// This package provides DefaultOptions which contains options that should
// work for most deployments. Consider using that as a starting point before
// customizing it for your own needs.
//
// Each option X is documented on the WithX method.
type Options struct {
	Logger             *zap.Logger
	Whitelist          []string
	Certificate        CertificateProvider
	CertificateRefresh time.Duration
	Workers            int
	Acceptors          int
	OutboundAffinity   Affinity
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	ReadBufferSize     int
	MaxHeaderBytes     int
	KeepAlive          KeepAlive
	Resolver           Resolver
	Dialer             Dialer
	Metrics            *Metrics
}

// Affinity selects the event loop that owns a tunnel's outbound connection.
type Affinity int

const (
	// SameLoop binds the outbound connection to the client's loop.
	SameLoop Affinity = iota
	// NextLoop hands the outbound connection to the next loop in the
	// group.
	NextLoop
)

// DefaultOptions returns the recommended initial options for the proxy
// server. You can freely edit them before passing them to NewServer.
func DefaultOptions() Options {
	return Options{
		Logger:           zap.NewNop(),
		Whitelist:        []string{"localhost"},
		Certificate:      SelfSignedCertificate("localhost", "127.0.0.1", "::1"),
		Workers:          2 * runtime.GOMAXPROCS(0),
		Acceptors:        1,
		OutboundAffinity: SameLoop,
		ConnectTimeout:   defaultConnectTimeout,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   defaultReadBufferSize,
		MaxHeaderBytes:   defaultMaxHeaderBytes,
		KeepAlive:        KeepAlive{Idle: defaultKeepAliveIdle},
	}
}

// WithLogger sets the logger every connection logger derives from.
func (opt Options) WithLogger(logger *zap.Logger) Options {
	opt.Logger = logger
	return opt
}

// WithWhitelist replaces the hosts clients may tunnel to. Matching ignores
// case and port.
func (opt Options) WithWhitelist(hosts ...string) Options {
	opt.Whitelist = hosts
	return opt
}

// WithCertificate sets where the certificate presented to clients comes
// from.
func (opt Options) WithCertificate(provider CertificateProvider) Options {
	opt.Certificate = provider
	return opt
}

// WithCertificateRefresh makes the server ask the certificate provider
// again after d. Zero keeps the first certificate forever.
func (opt Options) WithCertificateRefresh(d time.Duration) Options {
	opt.CertificateRefresh = d
	return opt
}

// WithWorkers sets the number of event loops serving connections.
func (opt Options) WithWorkers(n int) Options {
	opt.Workers = n
	return opt
}

// WithAcceptors sets the number of goroutines accepting on each listener.
func (opt Options) WithAcceptors(n int) Options {
	opt.Acceptors = n
	return opt
}

// WithOutboundAffinity selects the loop outbound connections are bound to.
func (opt Options) WithOutboundAffinity(a Affinity) Options {
	opt.OutboundAffinity = a
	return opt
}

// WithConnectTimeout bounds how long dialing a tunnel target may take before
// the client is answered with 503.
func (opt Options) WithConnectTimeout(d time.Duration) Options {
	opt.ConnectTimeout = d
	return opt
}

// WithHandshakeTimeout bounds the client TLS handshake. Zero disables the
// limit.
func (opt Options) WithHandshakeTimeout(d time.Duration) Options {
	opt.HandshakeTimeout = d
	return opt
}

// WithReadBufferSize sets the size of the pooled buffers transports are read
// into, which is also the largest unit a relay forwards at once.
func (opt Options) WithReadBufferSize(n int) Options {
	opt.ReadBufferSize = n
	return opt
}

// WithMaxHeaderBytes limits the size of the request head.
func (opt Options) WithMaxHeaderBytes(n int) Options {
	opt.MaxHeaderBytes = n
	return opt
}

// WithKeepAlive configures TCP keep-alive on both sides of a tunnel.
func (opt Options) WithKeepAlive(ka KeepAlive) Options {
	opt.KeepAlive = ka
	return opt
}

// WithResolver makes the server resolve tunnel targets itself instead of
// leaving it to the dialer.
func (opt Options) WithResolver(r Resolver) Options {
	opt.Resolver = r
	return opt
}

// WithDialer replaces the dialer used for tunnel targets.
func (opt Options) WithDialer(d Dialer) Options {
	opt.Dialer = d
	return opt
}

// WithMetrics enables Prometheus instrumentation.
func (opt Options) WithMetrics(m *Metrics) Options {
	opt.Metrics = m
	return opt
}

func (opt Options) validate() error {
	var errs []error
	if opt.Certificate == nil {
		errs = append(errs, errors.New("a certificate provider is required"))
	}
	if opt.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	if opt.Acceptors < 0 {
		errs = append(errs, errors.New("acceptors must not be negative"))
	}
	if opt.ConnectTimeout < 0 || opt.HandshakeTimeout < 0 || opt.CertificateRefresh < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if opt.ReadBufferSize < 0 || opt.MaxHeaderBytes < 0 {
		errs = append(errs, errors.New("buffer sizes must not be negative"))
	}
	if opt.OutboundAffinity != SameLoop && opt.OutboundAffinity != NextLoop {
		errs = append(errs, errors.New("unknown outbound affinity"))
	}
	return errors.Join(errs...)
}
