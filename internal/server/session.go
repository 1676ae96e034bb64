package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/proto"
)

// Session is the server side of one client control connection. It owns the
// tunnels registered through it; when it dies they die with it.
type Session struct {
	id   string
	srv  *Server
	conn net.Conn

	wmu sync.Mutex // serializes control writes (replies vs concurrent invites)

	mu      sync.Mutex
	tunnels map[string]*Tunnel

	graceful  atomic.Bool
	closeOnce sync.Once
}

func (s *Server) handleControl(c net.Conn) {
	sess := &Session{
		id:      uuid.NewString(),
		srv:     s,
		conn:    c,
		tunnels: make(map[string]*Tunnel),
	}
	if !s.addSession(sess) {
		_ = c.Close()
		return
	}
	obs.ActiveSessions.Inc()
	obs.Info("session.open", obs.Fields{"session": sess.id, "remote": c.RemoteAddr().String()})
	sess.readLoop()
	sess.teardown()
	s.removeSession(sess.id)
	obs.ActiveSessions.Dec()
}

func (sess *Session) readLoop() {
	rd := bufio.NewReader(sess.conn)
	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(sess.srv.cfg.KeepaliveTimeout))
		line, err := rd.ReadString('\n')
		if err != nil {
			if sess.graceful.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				obs.Error("session.keepalive.lost", obs.Fields{"session": sess.id})
				obs.ErrorsTotal.WithLabelValues("session_lost").Inc()
				return
			}
			obs.Error("session.read", obs.Fields{"session": sess.id, "err": err.Error()})
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg proto.ClientMessage
		if err := unmarshalLine(line, &msg); err != nil {
			obs.Error("session.badline", obs.Fields{"session": sess.id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("control_json").Inc()
			continue
		}
		switch msg.Kind {
		case proto.KindRegister:
			sess.handleRegister(msg)
		case proto.KindDeregister:
			sess.handleDeregister(msg.TunnelID)
		case proto.KindKeepalive:
			_ = sess.send(proto.ServerMessage{Kind: proto.KindKeepalive})
		case proto.KindClose:
			sess.graceful.Store(true)
			return
		default:
			obs.Debug("session.unknown_kind", obs.Fields{"session": sess.id, "kind": msg.Kind})
		}
	}
}

const bindAttempts = 8

func (sess *Session) handleRegister(msg proto.ClientMessage) {
	var spec proto.RemoteSpec
	if msg.Remote != nil {
		spec = *msg.Remote
	}
	ephemeral := spec == (proto.RemoteSpec{})

	attempts := 1
	if ephemeral {
		attempts = bindAttempts
	}
	var t *Tunnel
	var err error
	for i := 0; i < attempts; i++ {
		t, err = sess.srv.reg.Register(sess.id, msg.Name, msg.Type, msg.LocalAddr, spec)
		if err != nil {
			break
		}
		berr := sess.srv.startTunnel(t)
		if berr == nil {
			break
		}
		// Allocator bookkeeping said the port was free but the bind lost to
		// another process. Roll back; for ephemeral requests ask again.
		sess.srv.reg.Deregister(t.ID)
		t = nil
		if ephemeral {
			err = fmt.Errorf("bind: %w", ErrExhausted)
			continue
		}
		err = fmt.Errorf("bind port %d: %w", spec.Port, ErrPortInUse)
		break
	}
	if err != nil {
		obs.Error("register.failed", obs.Fields{"session": sess.id, "name": msg.Name, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("register").Inc()
		_ = sess.send(proto.ServerMessage{Kind: proto.KindError, Code: ErrorCode(err), Error: err.Error()})
		return
	}
	sess.mu.Lock()
	sess.tunnels[t.ID] = t
	sess.mu.Unlock()
	sess.srv.cfg.Sink.TunnelRegistered(t)
	_ = sess.send(proto.ServerMessage{
		Kind:       proto.KindRegistered,
		TunnelID:   t.ID,
		Entrypoint: t.Entrypoint.String(),
	})
}

func (sess *Session) handleDeregister(id string) {
	sess.mu.Lock()
	t := sess.tunnels[id]
	delete(sess.tunnels, id)
	sess.mu.Unlock()
	if t != nil {
		sess.srv.closeTunnel(t)
	}
	// idempotent: an unknown or repeated id still gets the ack
	_ = sess.send(proto.ServerMessage{Kind: proto.KindDeregistered, TunnelID: id})
}

// teardown deregisters every tunnel owned by the session, lets their bound
// flows drain within the grace deadline and closes the control connection.
// Safe to call from both the read loop and server shutdown.
func (sess *Session) teardown() {
	sess.closeOnce.Do(func() {
		sess.mu.Lock()
		tunnels := make([]*Tunnel, 0, len(sess.tunnels))
		for _, t := range sess.tunnels {
			tunnels = append(tunnels, t)
		}
		sess.tunnels = make(map[string]*Tunnel)
		sess.mu.Unlock()

		for _, t := range tunnels {
			sess.srv.closeTunnel(t)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sess.srv.cfg.GraceDeadline)
		defer cancel()
		for _, t := range tunnels {
			t.waitFlows(ctx)
		}
		_ = sess.conn.Close()
		obs.Info("session.closed", obs.Fields{
			"session":  sess.id,
			"tunnels":  len(tunnels),
			"graceful": sess.graceful.Load(),
		})
	})
}

func (sess *Session) send(msg proto.ServerMessage) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return proto.WriteLine(sess.conn, msg)
}

func unmarshalLine(line string, v any) error {
	return json.Unmarshal([]byte(strings.TrimSpace(line)), v)
}
