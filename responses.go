package connectproxy

import (
	"fmt"
	"net/http"
)

// Response is a fixed, body-less HTTP/1.1 response. The encoded bytes are
// built once and shared by every connection that sends them.
type Response struct {
	status int
	wire   []byte
}

func newResponse(status int) *Response {
	return &Response{
		status: status,
		wire:   []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status))),
	}
}

var (
	responseConnectionEstablished = newResponse(http.StatusOK)
	responseBadRequest            = newResponse(http.StatusBadRequest)
	responseForbidden             = newResponse(http.StatusForbidden)
	responseNotImplemented        = newResponse(http.StatusNotImplemented)
	responseServiceUnavailable    = newResponse(http.StatusServiceUnavailable)
)

// StatusCode returns the response status.
func (r *Response) StatusCode() int {
	return r.status
}

func (r *Response) String() string {
	return string(r.wire[:len(r.wire)-4])
}
