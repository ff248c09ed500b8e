package connectproxy

import (
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/Windscribe/connectproxy/internal/http1parser"
)

const defaultMaxHeaderBytes = 8192

var ErrHeadTooLarge = errors.New("connectproxy: request head too large")

// BodyChunk carries request content that followed a request head.
type BodyChunk []byte

// EndOfMessage marks the end of a request, after its head and content.
type EndOfMessage struct{}

// MalformedRequest is emitted instead of a request when the head could not
// be parsed.
type MalformedRequest struct {
	Err error
}

// httpFramer turns the client byte stream into HTTP messages. For the one
// request a connection is allowed to make it emits the parsed *http.Request,
// then BodyChunk values for any declared content, then EndOfMessage. Once a
// request has been emitted, reading is switched to on-demand and bytes that
// arrive after it are held until the stage is removed.
//
// On the way out it serialises *Response values.
type httpFramer struct {
	maxHeaderBytes int

	buf       *bytebufferpool.ByteBuffer
	state     framerState
	remaining int64
}

type framerState int

const (
	framerHead framerState = iota
	framerBody
	framerChunked
	framerHold
	framerDiscard
)

func newHTTPFramer(maxHeaderBytes int) *httpFramer {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = defaultMaxHeaderBytes
	}
	return &httpFramer{
		maxHeaderBytes: maxHeaderBytes,
		buf:            bytebufferpool.Get(),
	}
}

func (f *httpFramer) HandleActive(ctx *HandlerContext) { ctx.FireActive() }

func (f *httpFramer) HandleRead(ctx *HandlerContext, msg any) {
	in, ok := msg.(*Buffer)
	if !ok {
		ctx.FireRead(msg)
		return
	}
	if f.buf == nil || f.state == framerDiscard {
		in.Release()
		return
	}
	f.buf.Write(in.Bytes())
	in.Release()
	f.decode(ctx)
}

func (f *httpFramer) decode(ctx *HandlerContext) {
	for f.buf != nil && f.buf.Len() > 0 {
		switch f.state {
		case framerHead:
			if !f.decodeHead(ctx) {
				return
			}
		case framerBody:
			n := int64(f.buf.Len())
			if n > f.remaining {
				n = f.remaining
			}
			chunk := f.take(int(n))
			f.remaining -= n
			ctx.FireRead(chunk)
			if f.remaining == 0 {
				f.state = framerHold
				ctx.FireRead(EndOfMessage{})
			}
		case framerChunked:
			// Chunked content is never tunnelled, so the chunk framing
			// itself is not decoded.
			ctx.FireRead(f.take(f.buf.Len()))
		default:
			return
		}
	}
}

// decodeHead reports whether it made progress.
func (f *httpFramer) decodeHead(ctx *HandlerContext) bool {
	head, err := http1parser.ScanHead(f.buf.B)
	if errors.Is(err, http1parser.ErrMissingData) {
		if f.buf.Len() > f.maxHeaderBytes {
			f.fail(ctx, ErrHeadTooLarge)
		}
		return false
	}
	if err == nil && head.Length > f.maxHeaderBytes {
		err = ErrHeadTooLarge
	}
	if err != nil {
		f.fail(ctx, err)
		return false
	}

	req, err := http1parser.ParseRequest(f.buf.B[:head.Length])
	f.consume(head.Length)
	if err != nil {
		f.fail(ctx, err)
		return false
	}
	if head.HasHeader("Content-Length") && req.Header.Get("Content-Length") == "" {
		req.Header.Set("Content-Length", "0")
	}

	// One request per connection: nothing more is read until a later stage
	// decides what happens next.
	ctx.SetAutoRead(false)
	ctx.FireRead(req)

	switch {
	case len(req.TransferEncoding) > 0:
		f.state = framerChunked
	case req.ContentLength > 0:
		f.state = framerBody
		f.remaining = req.ContentLength
	default:
		f.state = framerHold
		ctx.FireRead(EndOfMessage{})
	}
	return true
}

func (f *httpFramer) fail(ctx *HandlerContext, err error) {
	ctx.Logger().Debug("malformed request head", zap.Error(err), zap.Int("buffered", f.buf.Len()))
	f.state = framerDiscard
	f.buf.Reset()
	ctx.SetAutoRead(false)
	ctx.FireRead(MalformedRequest{Err: err})
}

func (f *httpFramer) take(n int) BodyChunk {
	chunk := make(BodyChunk, n)
	copy(chunk, f.buf.B[:n])
	f.consume(n)
	return chunk
}

func (f *httpFramer) consume(n int) {
	rest := copy(f.buf.B, f.buf.B[n:])
	f.buf.B = f.buf.B[:rest]
}

func (f *httpFramer) HandleInactive(ctx *HandlerContext) {
	f.release()
	ctx.FireInactive()
}

func (f *httpFramer) HandleFault(ctx *HandlerContext, err error) { ctx.FireFault(err) }

// HandleWrite encodes fixed responses.
func (f *httpFramer) HandleWrite(ctx *HandlerContext, msg any, done func(error)) {
	if resp, ok := msg.(*Response); ok {
		ctx.Write(resp.wire, done)
		return
	}
	ctx.Write(msg, done)
}

// drain hands over the bytes that arrived after the request.
func (f *httpFramer) drain() []byte {
	if f.buf == nil {
		return nil
	}
	var leftover []byte
	if f.state == framerHold && f.buf.Len() > 0 {
		leftover = append(leftover, f.buf.B...)
	}
	f.release()
	return leftover
}

func (f *httpFramer) release() {
	if f.buf != nil {
		bytebufferpool.Put(f.buf)
		f.buf = nil
	}
}

func (m MalformedRequest) Error() string {
	return fmt.Sprintf("malformed request: %v", m.Err)
}

var (
	_ Handler         = (*httpFramer)(nil)
	_ OutboundHandler = (*httpFramer)(nil)
	_ drainer         = (*httpFramer)(nil)
)
