// Package client implements the castle agent: it registers tunnels with a
// castle server and answers relay invites by bridging data connections to the
// local backend.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/proto"
	"github.com/openosaka/castle/internal/relay"
)

// ErrRegistration wraps a registration the server rejected. Not retried: the
// operator has to fix the tunnel spec.
var ErrRegistration = errors.New("registration failed")

// TunnelSpec describes one tunnel the agent should establish.
type TunnelSpec struct {
	Name      string
	Type      string // proto.TypeTCP, TypeUDP or TypeHTTP
	LocalAddr string // backend address, meaningful only on this side
	Remote    proto.RemoteSpec
}

// Config holds agent settings. Zero values take defaults.
type Config struct {
	ServerAddr string // control listener
	DataAddr   string // data listener
	Tunnels    []TunnelSpec

	KeepaliveInterval time.Duration // default 10s
	DialTimeout       time.Duration // bound on backend and server dials, default 3s
	GraceDeadline     time.Duration // drain bound on shutdown, default 10s
	UDPIdleTimeout    time.Duration // default 60s

	// OnEntrypoint is called once per tunnel with the server-assigned
	// entrypoint, for operator display. Optional.
	OnEntrypoint func(spec TunnelSpec, tunnelID, entrypoint string)
}

func (c *Config) withDefaults() {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.GraceDeadline == 0 {
		c.GraceDeadline = 10 * time.Second
	}
	if c.UDPIdleTimeout == 0 {
		c.UDPIdleTimeout = 60 * time.Second
	}
}

// Agent is the client side of one control session.
type Agent struct {
	cfg  Config
	conn net.Conn
	wmu  sync.Mutex

	mu   sync.Mutex
	byID map[string]TunnelSpec

	draining atomic.Bool
	flows    sync.WaitGroup
}

func New(cfg Config) *Agent {
	cfg.withDefaults()
	return &Agent{cfg: cfg, byID: make(map[string]TunnelSpec)}
}

// Run connects, registers every configured tunnel and serves invites until
// the server shuts the session down or ctx is cancelled. Returns nil when the
// session ended gracefully (local interrupt or server shutdown), an error
// wrapping ErrRegistration when the server refused a tunnel, and a transport
// error otherwise.
func (a *Agent) Run(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", a.cfg.ServerAddr, a.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	a.mu.Lock()
	a.byID = make(map[string]TunnelSpec)
	a.mu.Unlock()
	a.draining.Store(false)
	a.conn = conn
	defer conn.Close()

	for _, spec := range a.cfg.Tunnels {
		spec := spec
		msg := proto.ClientMessage{
			Kind:      proto.KindRegister,
			Name:      spec.Name,
			Type:      spec.Type,
			LocalAddr: spec.LocalAddr,
			Remote:    &spec.Remote,
		}
		if err := a.send(msg); err != nil {
			return fmt.Errorf("send register: %w", err)
		}
	}

	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go a.keepaliveLoop(stopKeepalive)

	// A local interrupt turns into a graceful close: tell the server so it
	// deregisters immediately instead of waiting out the keepalive timeout.
	stopWatch := context.AfterFunc(ctx, func() {
		a.draining.Store(true)
		_ = a.send(proto.ClientMessage{Kind: proto.KindClose})
		time.AfterFunc(a.cfg.GraceDeadline, func() { _ = conn.Close() })
	})
	defer stopWatch()

	err = a.readLoop(bufio.NewReader(conn))
	if err == nil || a.draining.Load() || ctx.Err() != nil {
		a.drain()
		return nil
	}
	return err
}

// awaitingReplies returns how many registrations still lack a reply; replies
// arrive in registration order.
func (a *Agent) awaitingReplies() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cfg.Tunnels) - len(a.byID)
}

func (a *Agent) readLoop(rd *bufio.Reader) error {
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			if a.draining.Load() {
				return nil
			}
			return fmt.Errorf("control read: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg proto.ServerMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			obs.Error("agent.badline", obs.Fields{"err": err.Error()})
			continue
		}
		switch msg.Kind {
		case proto.KindRegistered:
			a.handleRegistered(msg)
		case proto.KindError:
			if a.awaitingReplies() > 0 {
				return fmt.Errorf("%w: %s (%s)", ErrRegistration, msg.Error, msg.Code)
			}
			obs.Error("agent.server_error", obs.Fields{"code": msg.Code, "err": msg.Error})
		case proto.KindInvite:
			go a.handleInvite(msg.TunnelID, msg.FlowID)
		case proto.KindKeepalive, proto.KindDeregistered:
			// acks
		case proto.KindShutdown:
			obs.Info("agent.server_shutdown", obs.Fields{})
			a.draining.Store(true)
			return nil
		}
	}
}

func (a *Agent) handleRegistered(msg proto.ServerMessage) {
	a.mu.Lock()
	idx := len(a.byID)
	var spec TunnelSpec
	if idx < len(a.cfg.Tunnels) {
		spec = a.cfg.Tunnels[idx]
		a.byID[msg.TunnelID] = spec
	}
	a.mu.Unlock()
	obs.Info("agent.registered", obs.Fields{"name": spec.Name, "tunnel": msg.TunnelID, "entrypoint": msg.Entrypoint})
	if a.cfg.OnEntrypoint != nil {
		a.cfg.OnEntrypoint(spec, msg.TunnelID, msg.Entrypoint)
	}
}

// handleInvite answers one relay invite: dial the data listener, dial the
// local backend, report the outcome in the handshake, then forward.
func (a *Agent) handleInvite(tunnelID, flowID string) {
	if a.draining.Load() {
		return
	}
	a.mu.Lock()
	spec, ok := a.byID[tunnelID]
	a.mu.Unlock()
	if !ok {
		obs.Error("agent.invite.unknown", obs.Fields{"tunnel": tunnelID})
		return
	}
	a.flows.Add(1)
	defer a.flows.Done()

	data, err := net.DialTimeout("tcp", a.cfg.DataAddr, a.cfg.DialTimeout)
	if err != nil {
		obs.Error("agent.data.dial", obs.Fields{"err": err.Error()})
		return
	}
	network := "tcp"
	if spec.Type == proto.TypeUDP {
		network = "udp"
	}
	local, err := net.DialTimeout(network, spec.LocalAddr, a.cfg.DialTimeout)
	if err != nil {
		obs.Error("agent.backend.dial", obs.Fields{"local": spec.LocalAddr, "err": err.Error()})
		_ = proto.WriteLine(data, proto.DataHello{FlowID: flowID, Error: err.Error()})
		_ = data.Close()
		return
	}
	if err := proto.WriteLine(data, proto.DataHello{FlowID: flowID}); err != nil {
		_ = data.Close()
		_ = local.Close()
		return
	}
	if spec.Type == proto.TypeUDP {
		a.relayDatagrams(data, local.(*net.UDPConn))
		return
	}
	relay.Stream(data, local)
}

// relayDatagrams bridges length-prefixed frames on the data connection with
// raw datagrams on the local backend socket. The flow ends when the server
// side closes or the backend goes quiet past the idle timeout.
func (a *Agent) relayDatagrams(data net.Conn, local *net.UDPConn) {
	var once sync.Once
	closeBoth := func() { _ = data.Close(); _ = local.Close() }
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, relay.MaxDatagram)
		for {
			frame, err := relay.ReadFrame(data, buf)
			if err != nil {
				once.Do(closeBoth)
				return
			}
			if _, err := local.Write(frame); err != nil {
				once.Do(closeBoth)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, relay.MaxDatagram)
		for {
			_ = local.SetReadDeadline(time.Now().Add(a.cfg.UDPIdleTimeout))
			n, err := local.Read(buf)
			if err != nil {
				once.Do(closeBoth)
				return
			}
			if err := relay.WriteFrame(data, buf[:n]); err != nil {
				once.Do(closeBoth)
				return
			}
		}
	}()
	wg.Wait()
}

func (a *Agent) keepaliveLoop(stop <-chan struct{}) {
	t := time.NewTicker(a.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := a.send(proto.ClientMessage{Kind: proto.KindKeepalive}); err != nil {
				return
			}
		}
	}
}

// drain waits for in-flight flows, bounded by the grace deadline.
func (a *Agent) drain() {
	done := make(chan struct{})
	go func() {
		a.flows.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.GraceDeadline):
		obs.Error("agent.drain.deadline", obs.Fields{})
	}
}

func (a *Agent) send(msg proto.ClientMessage) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return proto.WriteLine(a.conn, msg)
}
