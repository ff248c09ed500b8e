package connectproxy

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	ErrDuplicateStage = errors.New("connectproxy: duplicate pipeline stage")
	ErrStageNotFound  = errors.New("connectproxy: pipeline stage not found")
	ErrNoTransport    = errors.New("connectproxy: pipeline has no transport")
)

// Pipeline is the ordered list of stages a connection's events travel
// through. Inbound events enter at the first stage and move toward the last.
// Outbound writes start at the last stage and move toward the transport.
// A Pipeline is only ever touched from its connection's event loop.
type Pipeline struct {
	conn   *Conn
	stages []*HandlerContext
}

// HandlerContext binds a stage to its position in a pipeline.
type HandlerContext struct {
	name     string
	handler  Handler
	pipeline *Pipeline
}

func newPipeline(conn *Conn) *Pipeline {
	return &Pipeline{conn: conn}
}

// AddLast appends a stage under a name that must be unique in the pipeline.
func (p *Pipeline) AddLast(name string, h Handler) error {
	if p.find(name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, name)
	}
	p.stages = append(p.stages, &HandlerContext{name: name, handler: h, pipeline: p})
	return nil
}

// remove drops the named stage and returns any inbound bytes it was holding.
func (p *Pipeline) remove(name string) ([]byte, error) {
	i := p.find(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	ctx := p.stages[i]
	p.stages = append(p.stages[:i], p.stages[i+1:]...)
	return drainStage(ctx), nil
}

// Rewrite turns the pipeline into a raw byte relay: relay is appended under
// name, then every stage that is neither relay nor one of mandatory is
// removed. Bytes that removed stages had buffered but not yet delivered are
// returned in pipeline order so the caller can forward them before anything
// read later.
func (p *Pipeline) Rewrite(name string, relay Handler, mandatory ...Handler) ([]byte, error) {
	if err := p.AddLast(name, relay); err != nil {
		return nil, err
	}

	keep := func(h Handler) bool {
		if h == relay {
			return true
		}
		for _, m := range mandatory {
			if h == m {
				return true
			}
		}
		return false
	}

	var leftover []byte
	kept := p.stages[:0]
	for _, ctx := range p.stages {
		if keep(ctx.handler) {
			kept = append(kept, ctx)
			continue
		}
		leftover = append(leftover, drainStage(ctx)...)
	}
	for i := len(kept); i < len(p.stages); i++ {
		p.stages[i] = nil
	}
	p.stages = kept
	return leftover, nil
}

func drainStage(ctx *HandlerContext) []byte {
	if d, ok := ctx.handler.(drainer); ok {
		return d.drain()
	}
	return nil
}

// get returns the named stage, or nil.
func (p *Pipeline) get(name string) Handler {
	if i := p.find(name); i >= 0 {
		return p.stages[i].handler
	}
	return nil
}

// Context returns the context of the given stage, or nil when the stage is
// not part of the pipeline.
func (p *Pipeline) Context(h Handler) *HandlerContext {
	for _, ctx := range p.stages {
		if ctx.handler == h {
			return ctx
		}
	}
	return nil
}

// names lists the stage names in order.
func (p *Pipeline) names() []string {
	names := make([]string, len(p.stages))
	for i, ctx := range p.stages {
		names[i] = ctx.name
	}
	return names
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

func (p *Pipeline) find(name string) int {
	for i, ctx := range p.stages {
		if ctx.name == name {
			return i
		}
	}
	return -1
}

func (p *Pipeline) index(ctx *HandlerContext) int {
	for i, c := range p.stages {
		if c == ctx {
			return i
		}
	}
	return -1
}

// next returns the stage after ctx. A stage that has been removed has no
// successor, so its events fall through to the tail.
func (p *Pipeline) next(ctx *HandlerContext) *HandlerContext {
	i := p.index(ctx)
	if i < 0 || i+1 >= len(p.stages) {
		return nil
	}
	return p.stages[i+1]
}

func (p *Pipeline) transportWrappers() []transportWrapper {
	var wrappers []transportWrapper
	for _, ctx := range p.stages {
		if w, ok := ctx.handler.(transportWrapper); ok {
			wrappers = append(wrappers, w)
		}
	}
	return wrappers
}

func (p *Pipeline) fireActive() {
	if len(p.stages) > 0 {
		p.stages[0].handler.HandleActive(p.stages[0])
	}
}

func (p *Pipeline) fireRead(msg any) {
	if len(p.stages) == 0 {
		p.tailRead(msg)
		return
	}
	p.stages[0].handler.HandleRead(p.stages[0], msg)
}

func (p *Pipeline) fireInactive() {
	if len(p.stages) > 0 {
		p.stages[0].handler.HandleInactive(p.stages[0])
	}
}

func (p *Pipeline) fireFault(err error) {
	if len(p.stages) == 0 {
		p.tailFault(err)
		return
	}
	p.stages[0].handler.HandleFault(p.stages[0], err)
}

// write sends msg from the tail of the pipeline toward the transport.
func (p *Pipeline) write(msg any, done func(error)) {
	p.writeBefore(len(p.stages), msg, done)
}

func (p *Pipeline) writeBefore(i int, msg any, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	for j := i - 1; j >= 0; j-- {
		if out, ok := p.stages[j].handler.(OutboundHandler); ok {
			out.HandleWrite(p.stages[j], msg, done)
			return
		}
	}
	if p.conn == nil {
		releaseMessage(msg)
		done(ErrNoTransport)
		return
	}
	p.conn.enqueueWrite(msg, done)
}

func (p *Pipeline) tailRead(msg any) {
	releaseMessage(msg)
	p.logger().Debug("discarded unhandled message", zap.String("type", fmt.Sprintf("%T", msg)))
}

func (p *Pipeline) tailFault(err error) {
	p.logger().Warn("unhandled pipeline fault", zap.Error(err))
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Pipeline) logger() *zap.Logger {
	if p.conn == nil {
		return zap.NewNop()
	}
	return p.conn.logger
}

// Name returns the stage name.
func (ctx *HandlerContext) Name() string { return ctx.name }

// Handler returns the stage itself.
func (ctx *HandlerContext) Handler() Handler { return ctx.handler }

// Pipeline returns the pipeline the stage belongs to.
func (ctx *HandlerContext) Pipeline() *Pipeline { return ctx.pipeline }

// Conn returns the owning connection. It is nil for detached pipelines.
func (ctx *HandlerContext) Conn() *Conn { return ctx.pipeline.conn }

// Logger returns the connection-scoped logger.
func (ctx *HandlerContext) Logger() *zap.Logger { return ctx.pipeline.logger() }

func (ctx *HandlerContext) FireActive() {
	if next := ctx.pipeline.next(ctx); next != nil {
		next.handler.HandleActive(next)
	}
}

func (ctx *HandlerContext) FireRead(msg any) {
	if next := ctx.pipeline.next(ctx); next != nil {
		next.handler.HandleRead(next, msg)
		return
	}
	ctx.pipeline.tailRead(msg)
}

func (ctx *HandlerContext) FireInactive() {
	if next := ctx.pipeline.next(ctx); next != nil {
		next.handler.HandleInactive(next)
	}
}

func (ctx *HandlerContext) FireFault(err error) {
	if next := ctx.pipeline.next(ctx); next != nil {
		next.handler.HandleFault(next, err)
		return
	}
	ctx.pipeline.tailFault(err)
}

// Write sends msg toward the transport starting with the nearest outbound
// stage in front of this one. done runs on the connection's loop once the
// bytes were written or the write failed.
func (ctx *HandlerContext) Write(msg any, done func(error)) {
	i := ctx.pipeline.index(ctx)
	if i < 0 {
		i = 0
	}
	ctx.pipeline.writeBefore(i, msg, done)
}

// Read requests one more read from the transport.
func (ctx *HandlerContext) Read() {
	if c := ctx.Conn(); c != nil {
		c.read()
	}
}

// SetAutoRead switches between reading continuously and reading only on
// request.
func (ctx *HandlerContext) SetAutoRead(enabled bool) {
	if c := ctx.Conn(); c != nil {
		c.SetAutoRead(enabled)
	}
}

// Close closes the owning connection.
func (ctx *HandlerContext) Close() {
	if c := ctx.Conn(); c != nil {
		c.Close()
	}
}
