package connectproxy

import (
	"bufio"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return req
}

func TestValidateConnect(t *testing.T) {
	wl := NewWhitelist("uri", "localhost", "127.0.0.1", "::1")

	tests := []struct {
		name   string
		raw    string
		target string
		status int
	}{
		{"default port", "CONNECT uri HTTP/1.1\r\n\r\n", "uri:443", 0},
		{"explicit port", "CONNECT localhost:8443 HTTP/1.1\r\n\r\n", "localhost:8443", 0},
		{"case insensitive", "CONNECT LocalHost:80 HTTP/1.1\r\n\r\n", "localhost:80", 0},
		{"ipv6", "CONNECT [::1]:22 HTTP/1.1\r\n\r\n", "[::1]:22", 0},
		{"ipv6 default port", "CONNECT [::1] HTTP/1.1\r\n\r\n", "[::1]:443", 0},
		{"host header ignored", "CONNECT uri:1 HTTP/1.1\r\nHost: example.com\r\n\r\n", "uri:1", 0},
		{"get", "GET / HTTP/1.1\r\nHost: uri\r\n\r\n", "", http.StatusNotImplemented},
		{"post with content", "POST / HTTP/1.1\r\nContent-Length: 3\r\n\r\n", "", http.StatusNotImplemented},
		{"content length zero", "CONNECT uri HTTP/1.1\r\nContent-Length: 0\r\n\r\n", "", http.StatusBadRequest},
		{"content length", "CONNECT uri HTTP/1.1\r\nContent-Length: 10\r\n\r\n", "", http.StatusBadRequest},
		{"chunked", "CONNECT uri HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n", "", http.StatusBadRequest},
		{"empty target", "CONNECT  HTTP/1.1\r\n\r\n", "", http.StatusBadRequest},
		{"path", "CONNECT /index.html HTTP/1.1\r\n\r\n", "", http.StatusBadRequest},
		{"empty port", "CONNECT uri: HTTP/1.1\r\n\r\n", "", http.StatusBadRequest},
		{"port zero", "CONNECT uri:0 HTTP/1.1\r\n\r\n", "", http.StatusBadRequest},
		{"port out of range", "CONNECT uri:65536 HTTP/1.1\r\n\r\n", "", http.StatusBadRequest},
		{"userinfo", "CONNECT user@uri:443 HTTP/1.1\r\n\r\n", "", http.StatusBadRequest},
		{"not whitelisted", "CONNECT example.com:443 HTTP/1.1\r\n\r\n", "", http.StatusForbidden},
		{"whitelisted name other port", "CONNECT uri:8080 HTTP/1.1\r\n\r\n", "uri:8080", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, rej := validateConnect(readRequest(t, tt.raw), wl)
			if tt.status == 0 {
				require.Nil(t, rej)
				assert.Equal(t, tt.target, target)
				return
			}
			require.NotNil(t, rej)
			assert.Equal(t, tt.status, rej.response.StatusCode())
			assert.NotEmpty(t, rej.reason)
			assert.Empty(t, target)
		})
	}
}

func TestValidateConnect_ContentBeforeWhitelist(t *testing.T) {
	// content is reported even when the host would be refused as well
	_, rej := validateConnect(readRequest(t, "CONNECT example.com HTTP/1.1\r\nContent-Length: 1\r\n\r\n"), NewWhitelist())
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.response.StatusCode())
}

func TestParseAuthority(t *testing.T) {
	tests := []struct {
		target string
		host   string
		port   int
		err    error
	}{
		{target: "uri", host: "uri", port: 443},
		{target: "uri:80", host: "uri", port: 80},
		{target: "127.0.0.1:65535", host: "127.0.0.1", port: 65535},
		{target: "[2001:db8::1]:8443", host: "2001:db8::1", port: 8443},
		{target: "", err: errEmptyTarget},
		{target: "uri:", err: errInvalidPort},
		{target: "uri:http", err: errNotAuthority},
		{target: "uri:-1", err: errNotAuthority},
		{target: "uri:70000", err: errInvalidPort},
		{target: "http://uri", err: errNotAuthority},
		{target: "uri/path", err: errNotAuthority},
		{target: "uri?q", err: errNotAuthority},
		{target: "a b", err: errNotAuthority},
		{target: ":443", err: errNotAuthority},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			host, port, err := parseAuthority(tt.target)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestWhitelist(t *testing.T) {
	wl := NewWhitelist("Example.COM", " localhost ", "", "[::1]", "example.com")

	assert.Equal(t, 3, wl.Len())
	assert.Equal(t, []string{"::1", "example.com", "localhost"}, wl.Hosts())
	assert.True(t, wl.Allows("example.com"))
	assert.True(t, wl.Allows("EXAMPLE.com"))
	assert.True(t, wl.Allows("::1"))
	assert.True(t, wl.Allows("[::1]"))
	assert.False(t, wl.Allows("www.example.com"))
	assert.False(t, wl.Allows(""))

	var empty Whitelist
	assert.False(t, empty.Allows("localhost"))
	assert.Zero(t, empty.Len())
}

func TestConnectValidator_Stage(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(nil)
	require.NoError(t, p.AddLast("validator", newConnectValidator(NewWhitelist("uri"), nil)))
	require.NoError(t, p.AddLast("recorder", rec))

	req := readRequest(t, "CONNECT URI HTTP/1.1\r\nHost: URI\r\n\r\n")
	p.fireRead(req)
	p.fireRead(EndOfMessage{})

	require.Len(t, rec.reads, 1)
	forwarded := rec.reads[0].(*http.Request)
	assert.Equal(t, "uri:443", forwarded.RequestURI)
	assert.Equal(t, "uri:443", forwarded.Host)
}

func TestConnectValidator_DropsAfterRejection(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(nil)
	require.NoError(t, p.AddLast("validator", newConnectValidator(NewWhitelist("uri"), nil)))
	require.NoError(t, p.AddLast("recorder", rec))

	p.fireRead(readRequest(t, "CONNECT other HTTP/1.1\r\n\r\n"))
	p.fireRead(BodyChunk("late"))
	p.fireRead(readRequest(t, "CONNECT uri HTTP/1.1\r\n\r\n"))

	assert.Empty(t, rec.reads)
}

func TestConnectValidator_UnexpectedContent(t *testing.T) {
	for _, msg := range []any{BodyChunk("x"), MalformedRequest{Err: ErrHeadTooLarge}} {
		rec := &recorder{}
		p := newPipeline(nil)
		v := newConnectValidator(NewWhitelist("uri"), nil)
		require.NoError(t, p.AddLast("validator", v))
		require.NoError(t, p.AddLast("recorder", rec))

		p.fireRead(msg)
		assert.True(t, v.rejected)
		assert.Empty(t, rec.reads)
	}
}
