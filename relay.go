package connectproxy

import (
	"go.uber.org/zap"
)

const (
	dirClientToTarget = "client->target"
	dirTargetToClient = "target->client"
)

type relayState int

const (
	relayIdle relayState = iota
	relayAwaitingData
	relayForwarding
	relayClosing
)

func (s relayState) String() string {
	switch s {
	case relayIdle:
		return "idle"
	case relayAwaitingData:
		return "awaiting-data"
	case relayForwarding:
		return "forwarding"
	case relayClosing:
		return "closing"
	}
	return "unknown"
}

// tunnelRelay forwards every byte read from its connection to the peer. It
// keeps at most one unit of data in flight: the next read is only requested
// after the previous unit was written to the peer, so a slow reader on one
// side slows down the writer on the other. Closing either side closes the
// other.
type tunnelRelay struct {
	dir          string
	metrics      *Metrics
	countsTunnel bool

	state   relayState
	pending []byte
	total   int64
}

func newTunnelRelay(dir string, metrics *Metrics) *tunnelRelay {
	return &tunnelRelay{dir: dir, metrics: metrics}
}

// start begins relaying. Bytes the connection received before the relay was
// installed are forwarded before anything else is read.
func (r *tunnelRelay) start(ctx *HandlerContext) {
	if ctx == nil || r.state != relayIdle {
		return
	}
	if !ctx.Conn().IsActive() {
		r.state = relayClosing
		return
	}
	if len(r.pending) > 0 {
		pending := r.pending
		r.pending = nil
		r.forward(ctx, newBuffer(pending))
		return
	}
	r.state = relayAwaitingData
	ctx.Read()
}

func (r *tunnelRelay) HandleActive(ctx *HandlerContext) { ctx.FireActive() }

func (r *tunnelRelay) HandleRead(ctx *HandlerContext, msg any) {
	buf, ok := msg.(*Buffer)
	if !ok {
		ctx.FireRead(msg)
		return
	}
	if r.state == relayClosing {
		buf.Release()
		return
	}
	r.forward(ctx, buf)
}

func (r *tunnelRelay) forward(ctx *HandlerContext, buf *Buffer) {
	src := ctx.Conn()
	peer := src.Peer()
	if peer == nil {
		buf.Release()
		ctx.Logger().Error("relay has no peer", zap.String("dir", r.dir))
		r.state = relayClosing
		src.Close()
		return
	}

	r.state = relayForwarding
	n := buf.Len()
	ctx.Logger().Debug(
		"start write",
		zap.String("dir", r.dir),
		zap.Int("bytes", n),
	)

	// the callback runs on the peer's loop
	peer.WriteAndFlush(buf, func(err error) {
		if err != nil {
			peer.Logger().Debug(
				"writing",
				zap.String("dir", r.dir),
				zap.Int("bytes", n),
				zap.Error(err),
			)
			peer.Close()
			return
		}
		src.execute(func() { r.written(ctx, n) })
	})
}

func (r *tunnelRelay) written(ctx *HandlerContext, n int) {
	if r.state == relayClosing {
		return
	}
	r.total += int64(n)
	r.metrics.bytesRelayed(r.dir, n)
	ctx.Logger().Debug(
		"passed",
		zap.String("dir", r.dir),
		zap.Int("bytes", n),
		zap.Int64("total", r.total),
	)
	r.state = relayAwaitingData
	ctx.Read()
}

func (r *tunnelRelay) HandleInactive(ctx *HandlerContext) {
	r.state = relayClosing
	if peer := ctx.Conn().Peer(); peer != nil && peer.IsActive() {
		peer.Close()
	}
	if r.countsTunnel {
		r.metrics.tunnelClosed()
	}
	ctx.Logger().Debug(
		"relay closed",
		zap.String("dir", r.dir),
		zap.Int64("total", r.total),
	)
	ctx.FireInactive()
}

// HandleFault flushes whatever is queued for the local side and then closes
// it. The peer follows through HandleInactive.
func (r *tunnelRelay) HandleFault(ctx *HandlerContext, err error) {
	ctx.Logger().Warn("relay fault", zap.String("dir", r.dir), zap.Error(err))
	if r.state == relayClosing {
		return
	}
	r.state = relayClosing
	ctx.Write([]byte{}, func(error) { ctx.Close() })
}

var _ Handler = (*tunnelRelay)(nil)
