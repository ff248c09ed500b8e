package connectproxy

import (
	"net"
)

// Handler is one stage of a connection pipeline. Every method is invoked on
// the event loop that owns the connection. A stage that does not consume an
// event passes it on through the matching HandlerContext.Fire method.
type Handler interface {
	HandleActive(ctx *HandlerContext)
	HandleRead(ctx *HandlerContext, msg any)
	HandleInactive(ctx *HandlerContext)
	HandleFault(ctx *HandlerContext, err error)
}

// OutboundHandler is implemented by stages that transform messages travelling
// from the pipeline toward the transport.
type OutboundHandler interface {
	HandleWrite(ctx *HandlerContext, msg any, done func(error))
}

// transportWrapper is implemented by stages that replace the raw transport
// before the first read, for example with a TLS session. wrapTransport runs
// on the connection's bootstrap goroutine, never on the event loop.
type transportWrapper interface {
	wrapTransport(conn *Conn, transport net.Conn) (net.Conn, error)
}

// drainer is implemented by stages that may hold inbound bytes they have not
// passed on. When such a stage is removed from a pipeline the bytes are
// handed to whoever removed it.
type drainer interface {
	drain() []byte
}

// PassThrough forwards every event unchanged. Embed it to implement only the
// events a stage cares about.
type PassThrough struct{}

func (PassThrough) HandleActive(ctx *HandlerContext) { ctx.FireActive() }

func (PassThrough) HandleRead(ctx *HandlerContext, msg any) { ctx.FireRead(msg) }

func (PassThrough) HandleInactive(ctx *HandlerContext) { ctx.FireInactive() }

func (PassThrough) HandleFault(ctx *HandlerContext, err error) { ctx.FireFault(err) }

var _ Handler = PassThrough{}
