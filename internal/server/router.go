package server

import (
	"net"
	"strings"
)

// Router resolves the Host header of a request arriving on the shared vhttp
// port to the tunnel that claimed the host. Comparison is case-insensitive
// and ignores any :port suffix; a missing or malformed host matches nothing.
type Router struct {
	reg *Registry
}

func NewRouter(reg *Registry) *Router { return &Router{reg: reg} }

func (r *Router) Route(hostHeader string) (*Tunnel, bool) {
	host := normalizeHost(hostHeader)
	if host == "" {
		return nil, false
	}
	return r.reg.routeHost(host)
}

func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return ""
	}
	if strings.Contains(h, ":") {
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		} else if !strings.Contains(h, "]") {
			// bare colon with no parseable port
			return ""
		}
	}
	return strings.ToLower(h)
}
