package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/relay"
)

// udpRelay serves one udp tunnel's public socket. Datagrams are grouped into
// flows by source address; each flow gets its own client data connection and
// is reclaimed after the idle timeout (udp has no close signal).
type udpRelay struct {
	srv   *Server
	t     *Tunnel
	pc    *net.UDPConn
	mu    sync.Mutex
	flows map[string]*udpFlow
}

type udpFlow struct {
	queue chan []byte
}

const udpFlowQueue = 64

func (s *Server) runUDPTunnel(t *Tunnel, pc *net.UDPConn) {
	u := &udpRelay{srv: s, t: t, pc: pc, flows: make(map[string]*udpFlow)}
	go func() {
		<-t.Context().Done()
		_ = pc.Close()
	}()
	buf := make([]byte, relay.MaxDatagram)
	for {
		n, addr, err := pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		u.dispatch(addr, pkt)
	}
}

func (u *udpRelay) dispatch(addr *net.UDPAddr, pkt []byte) {
	key := addr.String()
	u.mu.Lock()
	f, ok := u.flows[key]
	if !ok {
		f = &udpFlow{queue: make(chan []byte, udpFlowQueue)}
		u.flows[key] = f
	}
	u.mu.Unlock()
	select {
	case f.queue <- pkt:
	default:
		// flow backed up; udp permits dropping
		obs.ErrorsTotal.WithLabelValues("udp_drop").Inc()
	}
	if !ok {
		go u.serveFlow(key, addr, f)
	}
}

// remove drops the flow only if the table still holds it; a late datagram may
// have installed a replacement for the same source while this flow was
// exiting.
func (u *udpRelay) remove(key string, f *udpFlow) {
	u.mu.Lock()
	if u.flows[key] == f {
		delete(u.flows, key)
	}
	u.mu.Unlock()
}

// serveFlow relays one datagram flow over a dedicated data connection,
// framing each datagram individually and preserving per-flow arrival order.
func (u *udpRelay) serveFlow(key string, addr *net.UDPAddr, f *udpFlow) {
	defer u.remove(key, f)
	if !u.srv.limiter.AllowFlow(u.t.ID) {
		obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
		return
	}
	data, err := u.srv.openFlow(u.t)
	if err != nil {
		// nothing to answer a datagram with; the flow is simply dropped
		obs.Error("udp.flow.open", obs.Fields{"tunnel": u.t.ID, "source": key, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("flow_open").Inc()
		return
	}
	u.t.trackFlow()
	defer u.t.flowDone()
	u.srv.totalFlows.Add(1)
	obs.FlowsStartedTotal.WithLabelValues(u.t.Type).Inc()
	start := time.Now()
	defer func() { obs.FlowDurationSeconds.Observe(time.Since(start).Seconds()) }()

	var lastActive atomic.Int64
	touch := func() { lastActive.Store(time.Now().UnixNano()) }
	touch()

	downDone := make(chan struct{})
	go func() {
		defer close(downDone)
		buf := make([]byte, relay.MaxDatagram)
		for {
			frame, err := relay.ReadFrame(data, buf)
			if err != nil {
				return
			}
			if _, err := u.pc.WriteToUDP(frame, addr); err != nil {
				return
			}
			touch()
			obs.RelayedBytes.WithLabelValues("out").Add(float64(len(frame)))
		}
	}()

	idle := u.srv.cfg.UDPIdleTimeout
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case pkt := <-f.queue:
			if err := relay.WriteFrame(data, pkt); err != nil {
				_ = data.Close()
				<-downDone
				return
			}
			touch()
			obs.RelayedBytes.WithLabelValues("in").Add(float64(len(pkt)))
		case <-timer.C:
			since := time.Since(time.Unix(0, lastActive.Load()))
			if since >= idle {
				obs.Debug("udp.flow.idle", obs.Fields{"tunnel": u.t.ID, "source": key})
				_ = data.Close()
				<-downDone
				return
			}
			timer.Reset(idle - since)
		case <-u.t.Context().Done():
			_ = data.Close()
			<-downDone
			return
		case <-downDone:
			_ = data.Close()
			return
		}
	}
}
