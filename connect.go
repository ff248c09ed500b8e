package connectproxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const defaultConnectTimeout = 10 * time.Second

// Dialer opens outbound TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// connOpener wraps a freshly dialed transport into a started Conn bound to
// loop, with its pipeline built by init. client is the connection the
// tunnel was requested on.
type connOpener func(raw net.Conn, loop *EventLoop, client *Conn, init func(*Pipeline) error) *Conn

// connectHandler carries out a validated CONNECT request: it dials the
// target, confirms the tunnel to the client and rewrites both pipelines
// into relays. Stages listed as mandatory survive the rewrite of the client
// pipeline, everything else in front of the relay is removed.
type connectHandler struct {
	PassThrough
	dialer    Dialer
	timeout   time.Duration
	loop      func(client *Conn) *EventLoop
	mandatory []Handler
	open      connOpener
	metrics   *Metrics

	started bool
}

func (h *connectHandler) HandleRead(ctx *HandlerContext, msg any) {
	req, ok := msg.(*http.Request)
	if !ok {
		ctx.FireRead(msg)
		return
	}
	// nothing else is read from the client until the tunnel is up
	ctx.SetAutoRead(false)
	if h.started {
		return
	}
	h.started = true

	host, port, err := parseAuthority(req.RequestURI)
	if err != nil {
		ctx.Logger().Info("unusable tunnel target", zap.String("target", req.RequestURI), zap.Error(err))
		h.metrics.requestRejected(responseBadRequest.StatusCode())
		ctx.Write(responseBadRequest, func(error) { ctx.Close() })
		return
	}
	h.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

func (h *connectHandler) dial(ctx *HandlerContext, target string) {
	client := ctx.Conn()
	loop := client.Loop()
	if h.loop != nil {
		if l := h.loop(client); l != nil {
			loop = l
		}
	}

	timeout := h.timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx.Logger().Debug("dialing", zap.String("target", target), zap.Int("loop", loop.ID()))

	go func() {
		dctx, cancel := context.WithTimeout(client.Context(), timeout)
		raw, err := h.dialer.DialContext(dctx, "tcp", target)
		cancel()

		ok := client.execute(func() {
			if err != nil {
				h.failed(ctx, target, err)
				return
			}
			h.connected(ctx, target, raw, loop)
		})
		if !ok && raw != nil {
			raw.Close()
		}
	}()
}

func (h *connectHandler) failed(ctx *HandlerContext, target string, err error) {
	h.metrics.tunnelFailed()
	if errors.Is(err, context.Canceled) || !ctx.Conn().IsActive() {
		return
	}
	ctx.Logger().Info("connect failed", zap.String("target", target), zap.Error(err))
	ctx.Write(responseServiceUnavailable, func(error) { ctx.Close() })
}

func (h *connectHandler) connected(ctx *HandlerContext, target string, raw net.Conn, loop *EventLoop) {
	client := ctx.Conn()
	if !client.IsActive() {
		raw.Close()
		return
	}

	clientRelay := newTunnelRelay(dirClientToTarget, h.metrics)
	targetRelay := newTunnelRelay(dirTargetToClient, h.metrics)
	remote := h.open(raw, loop, client, func(p *Pipeline) error {
		return p.AddLast("relay", targetRelay)
	})

	ctx.Write(responseConnectionEstablished, func(err error) {
		if err != nil {
			ctx.Logger().Debug("writing tunnel confirmation", zap.Error(err))
			remote.Close()
			client.Close()
			return
		}
		// The client's inactive event may already have gone through the
		// old pipeline, so nothing downstream would close remote.
		if !client.IsActive() {
			remote.Close()
			return
		}
		if err := couple(client, remote); err != nil {
			ctx.Logger().Error("coupling tunnel", zap.Error(err))
			remote.Close()
			client.Close()
			return
		}

		leftover, err := client.Pipeline().Rewrite("relay", clientRelay, h.mandatory...)
		if err != nil {
			ctx.Logger().Error("rewriting pipeline", zap.Error(err))
			remote.Close()
			client.Close()
			return
		}
		clientRelay.pending = leftover

		h.metrics.tunnelEstablished()
		clientRelay.countsTunnel = true
		ctx.Logger().Info(
			"tunnel established",
			zap.String("target", target),
			zap.String("peer", remote.ID()),
			zap.Int("leftover", len(leftover)),
		)

		// The remote may have gone away while the confirmation was being
		// written, before it had a peer to report to.
		if !remote.IsActive() {
			client.Close()
			return
		}

		clientRelay.start(client.Pipeline().Context(clientRelay))
		remote.execute(func() {
			targetRelay.start(remote.Pipeline().Context(targetRelay))
		})
	})
}

var _ Handler = (*connectHandler)(nil)
