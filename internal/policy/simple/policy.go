// Package simple contains a host allow-list policy for HTTP sources.
package simple

import (
	"net/url"
	"strings"
)

// Policy admits http(s) URLs whose host is in the allow list and not on the
// deny list. An empty allow list admits every host.
type Policy struct {
	hosts map[string]struct{}
	deny  *blocklist
}

// New creates a Policy from host names. Matching is case-insensitive and a
// leading "www." is ignored.
func New(hosts ...string) *Policy {
	p := &Policy{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

// Deny adds host patterns that are always rejected, even when allowed. "*.ru"
// and ".ru" match the domain and every subdomain; anything else matches
// exactly.
func (p *Policy) Deny(patterns ...string) *Policy {
	var all []string
	if p.deny != nil {
		for h := range p.deny.exact {
			all = append(all, h)
		}
		for _, s := range p.deny.suffixes {
			all = append(all, "*."+s)
		}
	}
	p.deny = newBlocklist(append(all, patterns...))
	return p
}

// AllowURL reports whether rawURL may be fetched.
func (p *Policy) AllowURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if p == nil {
		return true
	}
	if p.deny.blocked(u.Hostname()) {
		return false
	}
	if len(p.hosts) == 0 {
		return true
	}
	_, ok := p.hosts[normalizeHost(u.Hostname())]
	return ok
}

func normalizeHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www.")
}
