package connectproxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves A and AAAA records from zone over UDP. Names missing from
// zone get NXDOMAIN.
func startDNS(t *testing.T, zone map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			addr, ok := zone[strings.TrimSuffix(q.Name, ".")]
			if !ok {
				m.Rcode = dns.RcodeNameError
				w.WriteMsg(m)
				return
			}
			ip := net.ParseIP(addr)
			hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
			switch {
			case q.Qtype == dns.TypeA && ip.To4() != nil:
				m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: ip.To4()})
			case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	server := startDNS(t, map[string]string{
		"echo.test": "127.0.0.1",
		"six.test":  "::1",
	})
	r := NewDNSResolver(server, time.Second)
	ctx := context.Background()

	addr, err := r.Resolve(ctx, "echo.test:443")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:443", addr.String())

	addr, err = r.Resolve(ctx, "six.test:22")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:22", addr.String())

	addr, err = r.Resolve(ctx, "10.0.0.1:80")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:80", addr.String())

	_, err = r.Resolve(ctx, "missing.test:443")
	var dnsErr *net.DNSError
	require.True(t, errors.As(err, &dnsErr))
	assert.True(t, dnsErr.IsNotFound)
	assert.Equal(t, "missing.test", dnsErr.Name)

	_, err = r.Resolve(ctx, "no-port")
	assert.Error(t, err)
	_, err = r.Resolve(ctx, "echo.test:http")
	assert.Error(t, err)
}

func TestNewDNSResolver_DefaultPort(t *testing.T) {
	assert.Equal(t, "10.0.0.53:53", NewDNSResolver("10.0.0.53", time.Second).server)
	assert.Equal(t, "10.0.0.53:5353", NewDNSResolver("10.0.0.53:5353", time.Second).server)
}

func TestProxy_ResolvesWithDNS(t *testing.T) {
	echo := startEcho(t, "echo:")
	_, port, err := net.SplitHostPort(echo)
	require.NoError(t, err)
	server := startDNS(t, map[string]string{"echo.test": "127.0.0.1"})

	opts, _ := testOptions(t)
	p := startProxy(t, opts.
		WithWhitelist("echo.test", "missing.test").
		WithResolver(NewDNSResolver(server, time.Second)))

	c := dialProxy(t, p.addr)
	require.Equal(t, http.StatusOK, c.connect(t, net.JoinHostPort("echo.test", port)))
	c.send(t, "resolved\r\n")
	assert.Equal(t, "echo:resolved\r\n", c.readLine(t))

	c = dialProxy(t, p.addr)
	assert.Equal(t, http.StatusServiceUnavailable, c.connect(t, "missing.test:443"))
}
