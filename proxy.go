package connectproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/function61/gokit/log/logex"
	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("connectproxy: server closed")

const bufferPoolSize = 1024

// Server accepts TLS connections from proxy clients and turns each valid
// CONNECT request into a relayed tunnel.
//
// Each accepted connection gets the pipeline
//
//	tls -> http -> validator -> connect
//
// which becomes
//
//	tls -> relay
//
// once the tunnel is up. The outbound connection's pipeline is just a relay.
type Server struct {
	opts      Options
	logger    *zap.Logger
	sockLog   *logex.Leveled
	whitelist Whitelist
	tlsConfig *tls.Config
	group     *EventLoopGroup
	pool      *bpool.BytePool
	dialer    Dialer

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	addr    net.Addr
	closing bool
	done    chan struct{}
	wg      sync.WaitGroup

	stopOnce sync.Once
}

// NewServer validates opts, loads the certificate and starts the event
// loops. Zero values in opts fall back to DefaultOptions.
func NewServer(opts Options) (*Server, error) {
	defaults := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.Certificate == nil {
		opts.Certificate = defaults.Certificate
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("connectproxy: invalid options: %w", err)
	}
	if opts.Acceptors == 0 {
		opts.Acceptors = defaults.Acceptors
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.MaxHeaderBytes == 0 {
		opts.MaxHeaderBytes = defaults.MaxHeaderBytes
	}

	certs := newCachedCertificate(opts.Certificate, opts.CertificateRefresh)
	if _, err := certs.get(); err != nil {
		return nil, fmt.Errorf("connectproxy: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		// keep-alive is tuned by the server once the socket exists
		dialer = &net.Dialer{KeepAlive: -1}
	}
	if opts.Resolver != nil {
		dialer = &resolvingDialer{resolver: opts.Resolver, dialer: dialer}
	}

	s := &Server{
		opts:      opts,
		logger:    opts.Logger,
		sockLog:   leveledLogger(opts.Logger),
		whitelist: NewWhitelist(opts.Whitelist...),
		tlsConfig: newServerTLSConfig(certs),
		group:     NewEventLoopGroup(opts.Workers, opts.Logger),
		pool:      bpool.NewBytePool(bufferPoolSize, opts.ReadBufferSize),
		dialer:    dialer,
		conns:     make(map[*Conn]struct{}),
		done:      make(chan struct{}),
	}
	return s, nil
}

// ListenAndServe listens on the TCP address addr and then calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down or ln
// fails. It always returns a non-nil error and closes ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info(
		"proxy listening",
		zap.Stringer("addr", ln.Addr()),
		zap.Strings("whitelist", s.whitelist.Hosts()),
		zap.Int("workers", s.group.Len()),
	)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		ln.Close()
		return nil
	})
	for i := 0; i < s.opts.Acceptors; i++ {
		g.Go(func() error {
			return s.acceptLoop(ln)
		})
	}
	return g.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) error {
	var tempDelay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				s.logger.Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		s.handle(raw)
	}
}

func (s *Server) handle(raw net.Conn) {
	s.opts.Metrics.connectionAccepted()
	if err := setKeepAlive(raw, s.opts.KeepAlive, s.sockLog); err != nil {
		s.logger.Debug("setting keep-alive", zap.Error(err))
	}

	tlsStage := newTLSStage(s.tlsConfig, s.opts.HandshakeTimeout)
	connect := &connectHandler{
		dialer:    s.dialer,
		timeout:   s.opts.ConnectTimeout,
		mandatory: []Handler{tlsStage},
		open:      s.openOutbound,
		metrics:   s.opts.Metrics,
	}
	if s.opts.OutboundAffinity == NextLoop {
		connect.loop = func(*Conn) *EventLoop { return s.group.Next() }
	}

	c := s.open(raw, s.group.Next(), true, s.logger, func(p *Pipeline) error {
		return errors.Join(
			p.AddLast("tls", tlsStage),
			p.AddLast("http", newHTTPFramer(s.opts.MaxHeaderBytes)),
			p.AddLast("validator", newConnectValidator(s.whitelist, s.opts.Metrics)),
			p.AddLast("connect", connect),
		)
	})
	c.Logger().Debug("accepted")
}

func (s *Server) openOutbound(raw net.Conn, loop *EventLoop, client *Conn, init func(*Pipeline) error) *Conn {
	if err := setKeepAlive(raw, s.opts.KeepAlive, s.sockLog); err != nil {
		s.logger.Debug("setting keep-alive", zap.Error(err))
	}
	return s.open(raw, loop, false, withSession(s.logger, client.ID()), init)
}

func (s *Server) open(raw net.Conn, loop *EventLoop, autoRead bool, logger *zap.Logger, init func(*Pipeline) error) *Conn {
	c := newConn(raw, loop, connConfig{
		logger:   logger,
		pool:     s.pool,
		autoRead: autoRead,
		onClose:  s.forget,
	})
	if !s.track(c) {
		c.Close()
		return c
	}
	c.start(init)
	return c
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.wg.Done()
	}
}

// Addr returns the address of the most recent listener passed to Serve, or
// nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ActiveConns returns the number of open client and outbound connections.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, closes every open connection and waits for
// them to finish before stopping the event loops. If ctx ends first the
// loops are stopped anyway and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.done)
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("proxy shutting down", zap.Int("conns", len(conns)))
	for _, c := range conns {
		c.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.stopOnce.Do(s.group.Shutdown)
	return err
}

// Close is Shutdown without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
