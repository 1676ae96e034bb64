package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/proto"
)

// ErrBadSpec marks a registration request the server cannot act on, e.g. a
// domain entrypoint on a raw TCP tunnel.
var ErrBadSpec = errors.New("malformed tunnel spec")

type TunnelState int32

const (
	StateRegistering TunnelState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s TunnelState) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Tunnel is one registered mapping from a public entrypoint to a client's
// local backend. Owned by the Registry; relay flows hold it only by
// reference and watch Context for teardown.
type Tunnel struct {
	ID         string
	Name       string
	Type       string
	LocalAddr  string
	SessionID  string
	Entrypoint Entrypoint

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	flows  sync.WaitGroup
}

func (t *Tunnel) State() TunnelState { return TunnelState(t.state.Load()) }

// Context is cancelled when the tunnel is deregistered; every flow bound to
// the tunnel observes it and tears down both sides.
func (t *Tunnel) Context() context.Context { return t.ctx }

func (t *Tunnel) trackFlow() { t.flows.Add(1) }
func (t *Tunnel) flowDone()  { t.flows.Done() }

// waitFlows blocks until all bound flows finished or ctx expires.
func (t *Tunnel) waitFlows(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		t.flows.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Registry is the single source of truth for which tunnels exist. It owns the
// Allocator and the lookup tables the data plane routes through.
type Registry struct {
	mu          sync.Mutex
	alloc       *Allocator
	byID        map[string]*Tunnel
	byPort      map[uint16]*Tunnel
	byDomain    map[string]*Tunnel
	bySubdomain map[string]*Tunnel // keyed by full host
}

func NewRegistry(alloc *Allocator) *Registry {
	return &Registry{
		alloc:       alloc,
		byID:        make(map[string]*Tunnel),
		byPort:      make(map[uint16]*Tunnel),
		byDomain:    make(map[string]*Tunnel),
		bySubdomain: make(map[string]*Tunnel),
	}
}

// Register allocates an entrypoint for spec and stores the tunnel as Active.
// On any failure nothing is stored and the entrypoint is not held.
func (r *Registry) Register(sessionID, name, typ, localAddr string, spec proto.RemoteSpec) (*Tunnel, error) {
	if err := validateSpec(typ, spec, r.alloc.HasBaseDomain()); err != nil {
		return nil, err
	}
	ep, err := r.alloc.Allocate(spec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       typ,
		LocalAddr:  localAddr,
		SessionID:  sessionID,
		Entrypoint: ep,
		ctx:        ctx,
		cancel:     cancel,
	}
	t.state.Store(int32(StateRegistering))

	r.mu.Lock()
	r.byID[t.ID] = t
	switch ep.Kind {
	case EntrypointPort:
		r.byPort[ep.Port] = t
	case EntrypointDomain:
		r.byDomain[ep.Host] = t
	case EntrypointSubdomain:
		r.bySubdomain[ep.Host] = t
	}
	r.mu.Unlock()

	t.state.Store(int32(StateActive))
	obs.ActiveTunnels.WithLabelValues(typ).Inc()
	obs.Info("tunnel.registered", obs.Fields{"id": t.ID, "name": name, "type": typ, "entrypoint": ep.String()})
	return t, nil
}

// Deregister removes the tunnel from the lookup tables, releases its
// entrypoint and cancels every flow bound to it. Calling it twice, or with an
// unknown id, has no effect beyond the first call.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	t, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	switch t.Entrypoint.Kind {
	case EntrypointPort:
		delete(r.byPort, t.Entrypoint.Port)
	case EntrypointDomain:
		delete(r.byDomain, t.Entrypoint.Host)
	case EntrypointSubdomain:
		delete(r.bySubdomain, t.Entrypoint.Host)
	}
	r.mu.Unlock()

	t.state.Store(int32(StateClosing))
	r.alloc.Release(t.Entrypoint)
	t.cancel()
	t.state.Store(int32(StateClosed))
	obs.ActiveTunnels.WithLabelValues(t.Type).Dec()
	obs.Info("tunnel.closed", obs.Fields{"id": t.ID, "name": t.Name, "entrypoint": t.Entrypoint.String()})
}

// Lookup returns the tunnel by id.
func (r *Registry) Lookup(id string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// LookupPort resolves a dedicated-port entrypoint to its tunnel.
func (r *Registry) LookupPort(port uint16) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byPort[port]
	return t, ok
}

// routeHost resolves a normalized host to a tunnel; an exact domain claim
// wins over a subdomain claim.
func (r *Registry) routeHost(host string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byDomain[host]; ok {
		return t, true
	}
	if t, ok := r.bySubdomain[host]; ok {
		return t, true
	}
	return nil, false
}

// Active returns a snapshot of all tunnels currently in the tables.
func (r *Registry) Active() []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tunnel, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

func validateSpec(typ string, spec proto.RemoteSpec, hasBaseDomain bool) error {
	switch typ {
	case proto.TypeTCP, proto.TypeUDP:
		if spec.Domain != "" || spec.Subdomain != "" || spec.RandomSubdomain {
			return fmt.Errorf("%s tunnels take port entrypoints only: %w", typ, ErrBadSpec)
		}
	case proto.TypeHTTP:
		set := 0
		if spec.Port != 0 {
			set++
		}
		if spec.Domain != "" {
			set++
		}
		if spec.Subdomain != "" {
			set++
		}
		if spec.RandomSubdomain {
			set++
		}
		if set > 1 {
			return fmt.Errorf("http remote spec sets %d variants: %w", set, ErrBadSpec)
		}
		if (spec.Subdomain != "" || spec.RandomSubdomain) && !hasBaseDomain {
			return fmt.Errorf("no base domain configured: %w", ErrBadSpec)
		}
		if spec.Subdomain != "" && strings.Contains(spec.Subdomain, ".") {
			return fmt.Errorf("subdomain %q contains a dot: %w", spec.Subdomain, ErrBadSpec)
		}
	default:
		return fmt.Errorf("unknown tunnel type %q: %w", typ, ErrBadSpec)
	}
	return nil
}

// ErrorCode maps a registration failure to its wire category.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPortInUse):
		return proto.CodePortInUse
	case errors.Is(err, ErrDomainInUse):
		return proto.CodeDomainInUse
	case errors.Is(err, ErrSubdomainInUse):
		return proto.CodeSubdomainInUse
	case errors.Is(err, ErrExhausted):
		return proto.CodeExhausted
	case errors.Is(err, ErrBadSpec):
		return proto.CodeBadSpec
	default:
		return proto.CodeInternal
	}
}
