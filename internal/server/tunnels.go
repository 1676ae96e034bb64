package server

import (
	"fmt"
	"net"

	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/proto"
)

// startTunnel binds whatever the tunnel's entrypoint needs and starts serving
// it. The registry entry is already live; the caller rolls it back on error.
func (s *Server) startTunnel(t *Tunnel) error {
	if t.Entrypoint.Kind != EntrypointPort {
		return nil // host-routed, served by the shared vhttp listener
	}
	if t.Type == proto.TypeUDP {
		pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(t.Entrypoint.Port)})
		if err != nil {
			return err
		}
		go s.runUDPTunnel(t, pc)
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Entrypoint.Port))
	if err != nil {
		return err
	}
	go s.runStreamTunnel(t, ln)
	return nil
}

// closeTunnel drives Active -> Closing -> Closed and notifies the sink.
func (s *Server) closeTunnel(t *Tunnel) {
	if t.State() != StateActive {
		return
	}
	s.reg.Deregister(t.ID)
	s.limiter.Forget(t.ID)
	s.cfg.Sink.TunnelClosed(t)
}

// runStreamTunnel accepts public connections on a dedicated port (tcp
// tunnels, and http tunnels that asked for one) and relays each.
func (s *Server) runStreamTunnel(t *Tunnel, ln net.Listener) {
	go func() {
		<-t.Context().Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go s.relayPublicConn(t, c)
	}
}

func (s *Server) relayPublicConn(t *Tunnel, public net.Conn) {
	if !s.limiter.AllowFlow(t.ID) {
		obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
		_ = public.Close()
		return
	}
	data, err := s.openFlow(t)
	if err != nil {
		obs.Error("flow.open", obs.Fields{"tunnel": t.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("flow_open").Inc()
		_ = public.Close()
		return
	}
	s.relayData(t, public, data)
}
