package connectproxy

import (
	"sort"
	"strings"
)

// Whitelist is the set of hosts clients may open tunnels to. Hosts are
// compared case-insensitively and without a port.
//
//	wl := NewWhitelist("localhost", "Example.COM")
//	wl.Allows("example.com") // true
type Whitelist struct {
	hosts map[string]struct{}
}

// NewWhitelist builds a whitelist from host names or IP literals. Empty
// entries are ignored.
func NewWhitelist(hosts ...string) Whitelist {
	wl := Whitelist{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = normalizeHost(h)
		if h == "" {
			continue
		}
		wl.hosts[h] = struct{}{}
	}
	return wl
}

// Allows reports whether host may be tunnelled to.
func (wl Whitelist) Allows(host string) bool {
	_, ok := wl.hosts[normalizeHost(host)]
	return ok
}

// Hosts returns the whitelisted hosts in sorted order.
func (wl Whitelist) Hosts() []string {
	hosts := make([]string, 0, len(wl.hosts))
	for h := range wl.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Len returns the number of distinct hosts.
func (wl Whitelist) Len() int {
	return len(wl.hosts)
}

func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	return strings.ToLower(h)
}
