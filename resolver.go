package connectproxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Resolver maps a host:port tunnel target to the address to dial.
type Resolver interface {
	Resolve(ctx context.Context, hostport string) (*net.TCPAddr, error)
}

// DNSResolver looks targets up by querying one DNS server directly instead
// of going through the system resolver. IPv4 answers are preferred.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver queries server, given as host or host:port. Port 53 is
// assumed when none is given.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, hostport string) (*net.TCPAddr, error) {
	host, rawPort, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", rawPort)
	}
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: port}, nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.lookup(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if ip != nil {
			return &net.TCPAddr{IP: ip, Port: port}, nil
		}
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no such host", Name: host, Server: r.server, IsNotFound: true}
	}
	return nil, lastErr
}

func (r *DNSResolver) lookup(ctx context.Context, host string, qtype uint16) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: host, Server: r.server}
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[in.Rcode],
			Name:       host,
			Server:     r.server,
			IsNotFound: in.Rcode == dns.RcodeNameError,
		}
	}
	for _, rr := range in.Answer {
		switch a := rr.(type) {
		case *dns.A:
			return a.A, nil
		case *dns.AAAA:
			return a.AAAA, nil
		}
	}
	return nil, nil
}

// resolvingDialer resolves targets with a Resolver before dialing them.
type resolvingDialer struct {
	resolver Resolver
	dialer   Dialer
}

func (d *resolvingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	addr, err := d.resolver.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	return d.dialer.DialContext(ctx, network, addr.String())
}
