package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"strings"
	"sync"

	"github.com/openosaka/castle/internal/proto"
)

// Allocation failures, surfaced to the registering client as a registration
// error and never fatal to the server.
var (
	ErrPortInUse      = errors.New("port already in use")
	ErrDomainInUse    = errors.New("domain already in use")
	ErrSubdomainInUse = errors.New("subdomain already in use")
	ErrExhausted      = errors.New("entrypoint space exhausted")
)

type EntrypointKind int

const (
	EntrypointPort EntrypointKind = iota
	EntrypointDomain
	EntrypointSubdomain
)

// Entrypoint is the resolved public address of a tunnel: a dedicated port, or
// a (host, shared vhttp port) pair for host-routed HTTP tunnels.
type Entrypoint struct {
	Kind EntrypointKind
	Port uint16
	Host string // fully qualified, empty for dedicated-port entrypoints
}

func (e Entrypoint) String() string {
	if e.Host != "" {
		return fmt.Sprintf("%s:%d", e.Host, e.Port)
	}
	return fmt.Sprintf(":%d", e.Port)
}

const allocAttempts = 32

// Allocator hands out and reclaims public entrypoints. Pure bookkeeping, no
// I/O: the caller binds sockets and may ask again after a bind failure.
// Domains and subdomains live in disjoint namespaces; exact-domain matches
// win at routing time.
type Allocator struct {
	mu         sync.Mutex
	baseDomain string
	vhttpPort  uint16
	portMin    uint16
	portMax    uint16
	ports      map[uint16]struct{}
	domains    map[string]struct{}
	subdomains map[string]struct{} // keyed by label under baseDomain
}

func NewAllocator(baseDomain string, vhttpPort, portMin, portMax uint16) *Allocator {
	if portMin == 0 {
		portMin = 20000
	}
	if portMax <= portMin {
		portMax = 50000
	}
	return &Allocator{
		baseDomain: strings.ToLower(baseDomain),
		vhttpPort:  vhttpPort,
		portMin:    portMin,
		portMax:    portMax,
		ports:      make(map[uint16]struct{}),
		domains:    make(map[string]struct{}),
		subdomains: make(map[string]struct{}),
	}
}

// Allocate resolves spec to a free entrypoint and marks it held.
func (a *Allocator) Allocate(spec proto.RemoteSpec) (Entrypoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case spec.Domain != "":
		d := strings.ToLower(spec.Domain)
		if _, held := a.domains[d]; held {
			return Entrypoint{}, fmt.Errorf("domain %q: %w", d, ErrDomainInUse)
		}
		a.domains[d] = struct{}{}
		return Entrypoint{Kind: EntrypointDomain, Port: a.vhttpPort, Host: d}, nil
	case spec.Subdomain != "":
		label := strings.ToLower(spec.Subdomain)
		if _, held := a.subdomains[label]; held {
			return Entrypoint{}, fmt.Errorf("subdomain %q: %w", label, ErrSubdomainInUse)
		}
		a.subdomains[label] = struct{}{}
		return Entrypoint{Kind: EntrypointSubdomain, Port: a.vhttpPort, Host: label + "." + a.baseDomain}, nil
	case spec.RandomSubdomain:
		for i := 0; i < allocAttempts; i++ {
			label := randomLabel(6)
			if _, held := a.subdomains[label]; held {
				continue
			}
			a.subdomains[label] = struct{}{}
			return Entrypoint{Kind: EntrypointSubdomain, Port: a.vhttpPort, Host: label + "." + a.baseDomain}, nil
		}
		return Entrypoint{}, fmt.Errorf("random subdomain: %w", ErrExhausted)
	case spec.Port != 0:
		if _, held := a.ports[spec.Port]; held {
			return Entrypoint{}, fmt.Errorf("port %d: %w", spec.Port, ErrPortInUse)
		}
		a.ports[spec.Port] = struct{}{}
		return Entrypoint{Kind: EntrypointPort, Port: spec.Port}, nil
	default:
		span := int(a.portMax - a.portMin)
		for i := 0; i < allocAttempts; i++ {
			p := a.portMin + uint16(mrand.IntN(span+1))
			if _, held := a.ports[p]; held {
				continue
			}
			a.ports[p] = struct{}{}
			return Entrypoint{Kind: EntrypointPort, Port: p}, nil
		}
		// Random probes keep missing on a nearly full range; scan it so
		// allocation only fails when every port is genuinely held.
		for p := a.portMin; ; p++ {
			if _, held := a.ports[p]; !held {
				a.ports[p] = struct{}{}
				return Entrypoint{Kind: EntrypointPort, Port: p}, nil
			}
			if p == a.portMax {
				break
			}
		}
		return Entrypoint{}, fmt.Errorf("random port: %w", ErrExhausted)
	}
}

// Release reclaims an entrypoint. Releasing one that is already free is a
// no-op.
func (a *Allocator) Release(e Entrypoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e.Kind {
	case EntrypointPort:
		delete(a.ports, e.Port)
	case EntrypointDomain:
		delete(a.domains, e.Host)
	case EntrypointSubdomain:
		label, ok := strings.CutSuffix(e.Host, "."+a.baseDomain)
		if ok {
			delete(a.subdomains, label)
		}
	}
}

// HasBaseDomain reports whether subdomain allocation is possible.
func (a *Allocator) HasBaseDomain() bool { return a.baseDomain != "" }

const labelAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomLabel returns a DNS-safe token that begins with a letter.
func randomLabel(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		for i := range b {
			b[i] = byte(mrand.IntN(256))
		}
	}
	out := make([]byte, n)
	out[0] = labelAlphabet[int(b[0])%26]
	for i := 1; i < n; i++ {
		out[i] = labelAlphabet[int(b[i])%len(labelAlphabet)]
	}
	return string(out)
}
