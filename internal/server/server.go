// Package server implements the castle relay engine: control sessions,
// tunnel registry, entrypoint allocation and the data plane that relays
// public traffic to client agents.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/proto"
	"github.com/openosaka/castle/internal/ratelimit"
	"github.com/openosaka/castle/internal/relay"
)

// Flow-level failures. ErrBackendUnreachable is reported by the client agent
// in the data handshake; it closes only the affected flow.
var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrFlowTimeout        = errors.New("client did not establish data connection in time")
	ErrTunnelClosed       = errors.New("tunnel closed")
	ErrSessionGone        = errors.New("control session gone")
)

// Config holds the server's runtime settings. Zero values take defaults.
type Config struct {
	ControlAddr string // client control connections
	DataAddr    string // client data (relay) connections
	VHTTPAddr   string // shared public port for host-routed HTTP tunnels
	BaseDomain  string // base for subdomain entrypoints, e.g. "tunnels.example.com"

	PortMin, PortMax uint16 // ephemeral entrypoint port range

	FlowTimeout      time.Duration // how long a public conn waits for the client data dial-back
	KeepaliveTimeout time.Duration // control read deadline; dead-client detection
	GraceDeadline    time.Duration // polite drain bound during teardown
	UDPIdleTimeout   time.Duration // udp flow reclamation
	MaxHeaderSize    int
	AddXFF           bool

	GlobalFlowRate int // new flows per second across all tunnels, 0 = off
	FlowRate       int // new flows per second per tunnel, 0 = off
	FlowBurst      int

	Sink EventSink
}

func (c *Config) withDefaults() {
	if c.ControlAddr == "" {
		c.ControlAddr = ":6610"
	}
	if c.VHTTPAddr == "" {
		c.VHTTPAddr = ":6611"
	}
	if c.DataAddr == "" {
		c.DataAddr = ":6612"
	}
	if c.FlowTimeout == 0 {
		c.FlowTimeout = 10 * time.Second
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = 30 * time.Second
	}
	if c.GraceDeadline == 0 {
		c.GraceDeadline = 10 * time.Second
	}
	if c.UDPIdleTimeout == 0 {
		c.UDPIdleTimeout = 60 * time.Second
	}
	if c.MaxHeaderSize == 0 {
		c.MaxHeaderSize = 32 * 1024
	}
	if c.FlowBurst == 0 {
		c.FlowBurst = 16
	}
	if c.Sink == nil {
		c.Sink = nopSink{}
	}
}

type flowConn struct {
	conn   net.Conn
	errMsg string
}

// pendingFlow is a public connection (or udp flow) waiting for the client to
// dial back its data connection.
type pendingFlow struct {
	tunnel *Tunnel
	ready  chan flowConn
}

// Server wires the registry, the control plane and the data plane together.
// Construct with New, then Run; everything is torn down when the context is
// cancelled.
type Server struct {
	cfg     Config
	reg     *Registry
	router  *Router
	limiter *ratelimit.FlowLimiter

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*pendingFlow
	closing  bool
	ready    bool

	readyCh    chan struct{}
	controlLn  net.Listener
	dataLn     net.Listener
	vhttpLn    net.Listener
	totalFlows atomic.Int64
	timeouts   atomic.Int64
}

func New(cfg Config) *Server {
	cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		limiter:  ratelimit.NewFlowLimiter(cfg.GlobalFlowRate, cfg.FlowRate, cfg.FlowBurst),
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingFlow),
		readyCh:  make(chan struct{}),
	}
}

// Run binds the listeners and serves until ctx is cancelled, then drains all
// sessions within the grace deadline. Returns nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.listen(); err != nil {
		return err
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	close(s.readyCh)
	obs.Info("server.ready", obs.Fields{
		"control": s.controlLn.Addr().String(),
		"data":    s.dataLn.Addr().String(),
		"vhttp":   s.vhttpLn.Addr().String(),
	})

	g := new(errgroup.Group)
	g.Go(func() error { return s.acceptLoop(s.controlLn, s.handleControl) })
	g.Go(func() error { return s.acceptLoop(s.dataLn, s.handleData) })
	g.Go(func() error { return s.acceptLoop(s.vhttpLn, s.handleVHTTP) })

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	s.shutdown()
	_ = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return nil
}

func (s *Server) listen() error {
	var err error
	if s.controlLn, err = net.Listen("tcp", s.cfg.ControlAddr); err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	if s.dataLn, err = net.Listen("tcp", s.cfg.DataAddr); err != nil {
		_ = s.controlLn.Close()
		return fmt.Errorf("listen data: %w", err)
	}
	if s.vhttpLn, err = net.Listen("tcp", s.cfg.VHTTPAddr); err != nil {
		_ = s.controlLn.Close()
		_ = s.dataLn.Close()
		return fmt.Errorf("listen vhttp: %w", err)
	}
	vhttpPort := uint16(s.vhttpLn.Addr().(*net.TCPAddr).Port)
	alloc := NewAllocator(s.cfg.BaseDomain, vhttpPort, s.cfg.PortMin, s.cfg.PortMax)
	s.reg = NewRegistry(alloc)
	s.router = NewRouter(s.reg)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		go handle(c)
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closing = true
	s.ready = false
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	_ = s.controlLn.Close()
	_ = s.dataLn.Close()
	_ = s.vhttpLn.Close()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			_ = sess.send(proto.ServerMessage{Kind: proto.KindShutdown})
			sess.teardown()
		}(sess)
	}
	wg.Wait()

	// Anything still pending has no client coming for it.
	s.mu.Lock()
	for id, p := range s.pending {
		delete(s.pending, id)
		select {
		case p.ready <- flowConn{errMsg: "server shutting down"}:
		default:
		}
	}
	s.mu.Unlock()
	_ = s.cfg.Sink.Close()
}

// WaitReady blocks until the listeners are bound or ctx expires.
func (s *Server) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) IsReady() bool   { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }
func (s *Server) IsClosing() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }

// Bound listener addresses, valid after WaitReady.
func (s *Server) ControlAddr() string { return s.controlLn.Addr().String() }
func (s *Server) DataAddr() string    { return s.dataLn.Addr().String() }
func (s *Server) VHTTPAddr() string   { return s.vhttpLn.Addr().String() }

func (s *Server) addSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) addPending(id string, p *pendingFlow) {
	s.mu.Lock()
	s.pending[id] = p
	n := len(s.pending)
	s.mu.Unlock()
	obs.PendingFlows.Set(float64(n))
}

func (s *Server) popPending(id string) *pendingFlow {
	s.mu.Lock()
	p := s.pending[id]
	delete(s.pending, id)
	n := len(s.pending)
	s.mu.Unlock()
	obs.PendingFlows.Set(float64(n))
	return p
}

// openFlow invites the tunnel's owning session to dial back a data
// connection and waits for it within the flow timeout.
func (s *Server) openFlow(t *Tunnel) (net.Conn, error) {
	sess := s.session(t.SessionID)
	if sess == nil {
		return nil, ErrSessionGone
	}
	fid := uuid.NewString()
	p := &pendingFlow{tunnel: t, ready: make(chan flowConn, 1)}
	s.addPending(fid, p)
	if err := sess.send(proto.ServerMessage{Kind: proto.KindInvite, TunnelID: t.ID, FlowID: fid}); err != nil {
		s.popPending(fid)
		return nil, fmt.Errorf("invite: %w", err)
	}
	select {
	case fc := <-p.ready:
		if fc.errMsg != "" {
			return nil, fmt.Errorf("%w: %s", ErrBackendUnreachable, fc.errMsg)
		}
		return fc.conn, nil
	case <-t.Context().Done():
		if s.popPending(fid) == nil {
			// delivery raced the teardown; reclaim the connection
			select {
			case fc := <-p.ready:
				if fc.conn != nil {
					_ = fc.conn.Close()
				}
			case <-time.After(time.Second):
			}
		}
		return nil, ErrTunnelClosed
	case <-time.After(s.cfg.FlowTimeout):
		if s.popPending(fid) == nil {
			// delivery raced the timeout; take it
			select {
			case fc := <-p.ready:
				if fc.errMsg != "" {
					return nil, fmt.Errorf("%w: %s", ErrBackendUnreachable, fc.errMsg)
				}
				return fc.conn, nil
			case <-time.After(time.Second):
			}
		}
		s.timeouts.Add(1)
		obs.FlowTimeoutTotal.Inc()
		return nil, ErrFlowTimeout
	}
}

// handleData matches a freshly dialed client data connection to its pending
// flow via the handshake line.
func (s *Server) handleData(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	rd := bufio.NewReader(c)
	line, err := rd.ReadString('\n')
	if err != nil {
		obs.Error("data.handshake.read", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("data_read").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	var hello proto.DataHello
	if err := unmarshalLine(line, &hello); err != nil || hello.FlowID == "" {
		obs.ErrorsTotal.WithLabelValues("data_handshake").Inc()
		_ = c.Close()
		return
	}
	p := s.popPending(hello.FlowID)
	if p == nil {
		obs.Error("data.no_pending", obs.Fields{"flow": hello.FlowID})
		obs.ErrorsTotal.WithLabelValues("no_pending").Inc()
		_ = c.Close()
		return
	}
	if hello.Error != "" {
		p.ready <- flowConn{errMsg: hello.Error}
		_ = c.Close()
		return
	}
	p.ready <- flowConn{conn: &relay.BufferedConn{Conn: c, R: rd}}
}

// relayData runs one established flow to completion, force-closing both sides
// if the tunnel is deregistered and the grace deadline passes.
func (s *Server) relayData(t *Tunnel, public, data net.Conn) {
	t.trackFlow()
	defer t.flowDone()
	s.totalFlows.Add(1)
	obs.FlowsStartedTotal.WithLabelValues(t.Type).Inc()

	done := make(chan struct{})
	go func() {
		select {
		case <-t.Context().Done():
			timer := time.NewTimer(s.cfg.GraceDeadline)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				_ = public.Close()
				_ = data.Close()
			}
		case <-done:
		}
	}()

	start := time.Now()
	in, out := relay.Stream(public, data)
	close(done)
	obs.RelayedBytes.WithLabelValues("in").Add(float64(in))
	obs.RelayedBytes.WithLabelValues("out").Add(float64(out))
	obs.FlowDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Debug("flow.done", obs.Fields{"tunnel": t.ID, "in": in, "out": out})
}
