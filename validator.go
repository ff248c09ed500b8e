package connectproxy

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultRemotePort is used when a CONNECT target has no port.
const DefaultRemotePort = 443

var (
	errEmptyTarget  = errors.New("empty request target")
	errNotAuthority = errors.New("request target is not host[:port]")
	errInvalidPort  = errors.New("invalid port")
)

type rejection struct {
	response *Response
	reason   string
}

// validateConnect decides whether req may open a tunnel. On success it
// returns the target in canonical host:port form.
func validateConnect(req *http.Request, whitelist Whitelist) (string, *rejection) {
	if req.Method != http.MethodConnect {
		return "", &rejection{responseNotImplemented, "method " + req.Method + " not supported"}
	}
	if _, ok := req.Header["Content-Length"]; ok || req.ContentLength > 0 || len(req.TransferEncoding) > 0 {
		return "", &rejection{responseBadRequest, "CONNECT request must not carry content"}
	}

	host, port, err := parseAuthority(req.RequestURI)
	if err != nil {
		return "", &rejection{responseBadRequest, err.Error()}
	}
	if !whitelist.Allows(host) {
		return "", &rejection{responseForbidden, "host " + host + " is not whitelisted"}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// parseAuthority splits a CONNECT target of the form host[:port]. A missing
// port means DefaultRemotePort.
func parseAuthority(target string) (string, int, error) {
	if target == "" {
		return "", 0, errEmptyTarget
	}
	if strings.ContainsAny(target, "/?#@ ") {
		return "", 0, errNotAuthority
	}

	u, err := url.Parse("//" + target)
	if err != nil {
		return "", 0, errNotAuthority
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || u.Scheme != "" || u.Path != "" || u.User != nil {
		return "", 0, errNotAuthority
	}

	rawPort := u.Port()
	if rawPort == "" {
		if strings.HasSuffix(u.Host, ":") {
			return "", 0, errInvalidPort
		}
		return host, DefaultRemotePort, nil
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errInvalidPort
	}
	return host, port, nil
}

// connectValidator lets through only well-formed CONNECT requests for
// whitelisted hosts and answers everything else itself. The forwarded
// request has its RequestURI rewritten to the canonical host:port.
type connectValidator struct {
	PassThrough
	whitelist Whitelist
	metrics   *Metrics
	rejected  bool
}

func newConnectValidator(whitelist Whitelist, metrics *Metrics) *connectValidator {
	return &connectValidator{whitelist: whitelist, metrics: metrics}
}

func (v *connectValidator) HandleRead(ctx *HandlerContext, msg any) {
	if v.rejected {
		// The rejection response is already queued and its completion
		// closes the connection, so a second status line is never sent.
		if _, ok := msg.(BodyChunk); ok {
			ctx.Logger().Debug("dropping content after rejection")
		}
		releaseMessage(msg)
		return
	}

	switch m := msg.(type) {
	case *http.Request:
		target, rej := validateConnect(m, v.whitelist)
		if rej != nil {
			v.reject(ctx, rej, m.Method, m.RequestURI)
			return
		}
		m.RequestURI = target
		m.Host = target
		ctx.FireRead(m)
	case BodyChunk:
		v.reject(ctx, &rejection{responseBadRequest, "unexpected content"}, "", "")
	case EndOfMessage:
	case MalformedRequest:
		v.reject(ctx, &rejection{responseBadRequest, m.Error()}, "", "")
	default:
		ctx.FireRead(msg)
	}
}

func (v *connectValidator) reject(ctx *HandlerContext, rej *rejection, method, target string) {
	v.rejected = true
	v.metrics.requestRejected(rej.response.StatusCode())
	ctx.Logger().Info(
		"request rejected",
		zap.Int("status", rej.response.StatusCode()),
		zap.String("reason", rej.reason),
		zap.String("method", method),
		zap.String("target", target),
	)
	ctx.Write(rej.response, func(error) { ctx.Close() })
}
