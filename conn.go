package connectproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"
)

var (
	ErrConnClosed     = errors.New("connectproxy: connection closed")
	ErrAlreadyCoupled = errors.New("connectproxy: connection already coupled")
	errUnsupportedMsg = errors.New("connectproxy: unsupported outbound message")
)

// Conn is one side of a proxied session: a transport bound to an event loop
// and the pipeline that processes its traffic.
//
// Reads happen one at a time on a dedicated goroutine and are delivered to
// the pipeline on the loop. With auto-read enabled a new read is requested
// as soon as the previous one was delivered. Otherwise a stage asks for the
// next read explicitly, which is how backpressure is applied.
//
// Writes are queued and performed in order by a writer goroutine. Each
// write's completion callback runs on the loop.
type Conn struct {
	id       string
	loop     *EventLoop
	raw      net.Conn
	pipeline *Pipeline
	logger   *zap.Logger
	pool     *bpool.BytePool

	ctx    context.Context
	cancel context.CancelFunc

	// transport is the possibly wrapped raw connection, set once by the
	// bootstrap goroutine before the reader and writer start.
	tmu       sync.Mutex
	transport net.Conn

	// loop-owned
	autoRead      bool
	readPending   bool
	inactiveFired bool

	active  atomic.Bool
	peer    atomic.Pointer[Conn]
	readReq chan struct{}
	writes  *writeQueue

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Conn)
}

type connConfig struct {
	logger   *zap.Logger
	pool     *bpool.BytePool
	autoRead bool
	onClose  func(*Conn)
}

func newConn(raw net.Conn, loop *EventLoop, cfg connConfig) *Conn {
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.pool == nil {
		cfg.pool = bpool.NewBytePool(64, defaultReadBufferSize)
	}
	c := &Conn{
		id:       uuid.NewString(),
		loop:     loop,
		raw:      raw,
		pool:     cfg.pool,
		autoRead: cfg.autoRead,
		readReq:  make(chan struct{}, 1),
		writes:   newWriteQueue(),
		closed:   make(chan struct{}),
		onClose:  cfg.onClose,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.logger = cfg.logger.With(
		zap.String("conn", c.id),
		zap.Stringer("remote", raw.RemoteAddr()),
	)
	c.pipeline = newPipeline(c)
	c.active.Store(true)
	return c
}

// start builds the pipeline on the loop and then brings the transport up.
func (c *Conn) start(init func(p *Pipeline) error) {
	ok := c.loop.Execute(func() {
		if init != nil {
			if err := init(c.pipeline); err != nil {
				c.logger.Error("building pipeline", zap.Error(err))
				c.Close()
				return
			}
		}
		go c.bootstrap(c.pipeline.transportWrappers())
	})
	if !ok {
		c.Close()
	}
}

func (c *Conn) bootstrap(wrappers []transportWrapper) {
	transport := c.raw
	for _, w := range wrappers {
		wrapped, err := w.wrapTransport(c, transport)
		if err != nil {
			c.logger.Debug("transport setup failed", zap.Error(err))
			c.Close()
			return
		}
		transport = wrapped
	}

	c.tmu.Lock()
	select {
	case <-c.closed:
		c.tmu.Unlock()
		transport.Close()
		return
	default:
	}
	c.transport = transport
	c.tmu.Unlock()

	go c.writeLoop(transport)
	c.execute(c.activate)
	c.readLoop(transport)
}

func (c *Conn) activate() {
	if !c.IsActive() {
		return
	}
	c.pipeline.fireActive()
	if c.autoRead {
		c.read()
	}
}

// read requests a single read from the transport. At most one read is ever
// outstanding. Loop only.
func (c *Conn) read() {
	if c.readPending || !c.IsActive() {
		return
	}
	c.readPending = true
	c.readReq <- struct{}{}
}

func (c *Conn) readLoop(transport net.Conn) {
	for {
		select {
		case <-c.readReq:
		case <-c.closed:
			return
		}

		buf := c.pool.Get()
		n, err := transport.Read(buf)
		for n == 0 && err == nil {
			n, err = transport.Read(buf)
		}
		if n > 0 {
			msg := &Buffer{b: buf[:n], pool: c.pool}
			if !c.execute(func() { c.deliver(msg) }) {
				msg.Release()
			}
		} else {
			c.pool.Put(buf)
		}

		if err != nil {
			if c.IsActive() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.execute(func() { c.pipeline.fireFault(err) })
			}
			c.Close()
			return
		}
	}
}

func (c *Conn) deliver(msg *Buffer) {
	c.readPending = false
	if !c.IsActive() {
		msg.Release()
		return
	}
	c.pipeline.fireRead(msg)
	if c.autoRead {
		c.read()
	}
}

// execute runs fn on the connection's loop. Panics inside fn are turned into
// pipeline faults.
func (c *Conn) execute(fn func()) bool {
	return c.loop.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("pipeline panic", zap.Any("panic", r), zap.Stack("stack"))
				c.Close()
			}
		}()
		fn()
	})
}

// ID returns the unique connection id used in log lines.
func (c *Conn) ID() string { return c.id }

// Loop returns the event loop the connection is bound to.
func (c *Conn) Loop() *EventLoop { return c.loop }

// Pipeline returns the connection's pipeline. It must only be used on the
// connection's loop.
func (c *Conn) Pipeline() *Pipeline { return c.pipeline }

// Logger returns the logger carrying the connection id and remote address.
func (c *Conn) Logger() *zap.Logger { return c.logger }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// IsActive reports whether the transport is still open.
func (c *Conn) IsActive() bool { return c.active.Load() }

// Peer returns the connection this one is coupled to, or nil.
func (c *Conn) Peer() *Conn { return c.peer.Load() }

// SetAutoRead switches continuous reading on or off. Loop only.
func (c *Conn) SetAutoRead(enabled bool) {
	c.autoRead = enabled
	if enabled {
		c.read()
	}
}

// Read requests one more read. It may be called from any goroutine.
func (c *Conn) Read() {
	c.execute(c.read)
}

// WriteAndFlush sends msg through the pipeline toward the transport. It may
// be called from any goroutine. done runs on this connection's loop once the
// write has completed or failed.
func (c *Conn) WriteAndFlush(msg any, done func(error)) {
	if !c.execute(func() { c.pipeline.write(msg, done) }) {
		releaseMessage(msg)
		if done != nil {
			done(ErrConnClosed)
		}
	}
}

// enqueueWrite hands an encoded message to the writer goroutine.
func (c *Conn) enqueueWrite(msg any, done func(error)) {
	var w pendingWrite
	switch m := msg.(type) {
	case *Buffer:
		w = pendingWrite{data: m.Bytes(), buf: m, done: done}
	case []byte:
		w = pendingWrite{data: m, done: done}
	default:
		done(errUnsupportedMsg)
		return
	}
	if !c.IsActive() || !c.writes.push(w) {
		w.release()
		done(ErrConnClosed)
	}
}

func (c *Conn) writeLoop(transport net.Conn) {
	for {
		w, ok := c.writes.pop()
		if !ok {
			break
		}
		var err error
		if len(w.data) > 0 {
			_, err = transport.Write(w.data)
		}
		w.release()
		c.complete(w.done, err)
		if err != nil {
			c.logger.Debug("write failed", zap.Error(err))
			c.Close()
		}
	}
	for _, w := range c.writes.drain() {
		w.release()
		c.complete(w.done, ErrConnClosed)
	}
}

func (c *Conn) complete(done func(error), err error) {
	if done == nil {
		return
	}
	if !c.execute(func() { done(err) }) {
		done(err)
	}
}

// Close shuts the transport down. It is safe to call from any goroutine and
// more than once. The pipeline sees the inactive event on the loop.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.active.Store(false)
		c.cancel()

		c.tmu.Lock()
		close(c.closed)
		transport := c.transport
		c.tmu.Unlock()

		c.writes.close()
		switch transport {
		case nil:
			err = c.raw.Close()
			// the writer never started, so nobody else will fail these
			for _, w := range c.writes.drain() {
				w.release()
				c.complete(w.done, ErrConnClosed)
			}
		case c.raw:
			err = transport.Close()
		default:
			// Closing a wrapped transport may write, as a TLS close_notify
			// does, and a peer that stopped reading would hold the caller,
			// which is usually the loop.
			go c.closeTransport(transport)
		}

		if !c.execute(c.fireInactive) {
			c.fireInactive()
		}
	})
	return err
}

func (c *Conn) closeTransport(transport net.Conn) {
	if err := transport.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("closing transport", zap.Error(err))
	}
}

func (c *Conn) fireInactive() {
	if c.inactiveFired {
		return
	}
	c.inactiveFired = true
	c.pipeline.fireInactive()
	if c.onClose != nil {
		c.onClose(c)
	}
}

// couple makes a and b each other's peer. A connection can only be coupled
// once.
func couple(a, b *Conn) error {
	if !a.peer.CompareAndSwap(nil, b) {
		return ErrAlreadyCoupled
	}
	if !b.peer.CompareAndSwap(nil, a) {
		a.peer.Store(nil)
		return ErrAlreadyCoupled
	}
	return nil
}

type pendingWrite struct {
	data []byte
	buf  *Buffer
	done func(error)
}

func (w pendingWrite) release() {
	if w.buf != nil {
		w.buf.Release()
	}
}

// writeQueue is an unbounded FIFO between the loop and the writer goroutine.
type writeQueue struct {
	mu     sync.Mutex
	items  []pendingWrite
	closed bool
	signal chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{signal: make(chan struct{}, 1)}
}

func (q *writeQueue) push(w pendingWrite) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, w)
	q.mu.Unlock()
	q.notify()
	return true
}

// pop blocks until an item is available or the queue is closed.
func (q *writeQueue) pop() (pendingWrite, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pendingWrite{}, false
		}
		if len(q.items) > 0 {
			w := q.items[0]
			q.items[0] = pendingWrite{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return w, true
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *writeQueue) drain() []pendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *writeQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
