package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openosaka/castle/internal/client"
	"github.com/openosaka/castle/internal/proto"
	"github.com/openosaka/castle/internal/server"
)

func startServer(t *testing.T, cfg server.Config) *server.Server {
	t.Helper()
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.DataAddr = "127.0.0.1:0"
	cfg.VHTTPAddr = "127.0.0.1:0"
	if cfg.FlowTimeout == 0 {
		cfg.FlowTimeout = 5 * time.Second
	}
	if cfg.GraceDeadline == 0 {
		cfg.GraceDeadline = time.Second
	}
	srv := server.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := srv.WaitReady(wctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}
	return srv
}

type runningAgent struct {
	cancel context.CancelFunc
	done   chan error
}

// startAgent runs an agent for one tunnel and waits for its entrypoint.
func startAgent(t *testing.T, srv *server.Server, spec client.TunnelSpec) (string, *runningAgent) {
	t.Helper()
	eps := make(chan string, 1)
	agent := client.New(client.Config{
		ServerAddr:        srv.ControlAddr(),
		DataAddr:          srv.DataAddr(),
		Tunnels:           []client.TunnelSpec{spec},
		KeepaliveInterval: 100 * time.Millisecond,
		GraceDeadline:     time.Second,
		OnEntrypoint: func(_ client.TunnelSpec, _, entrypoint string) {
			eps <- entrypoint
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningAgent{cancel: cancel, done: make(chan error, 1)}
	// Closed after the result is sent so both the test body and the cleanup
	// can wait on it.
	go func() { ra.done <- agent.Run(ctx); close(ra.done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ra.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	select {
	case ep := <-eps:
		return ep, ra
	case err := <-ra.done:
		t.Fatalf("agent exited before registering: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for entrypoint")
	}
	return "", nil
}

// echoTCP accepts connections and writes back whatever it reads.
func echoTCP(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()
	return ln.Addr().String()
}

func publicAddr(entrypoint string) string {
	if strings.HasPrefix(entrypoint, ":") {
		return "127.0.0.1" + entrypoint
	}
	return entrypoint
}

func TestTCPTunnelRoundTrip(t *testing.T) {
	srv := startServer(t, server.Config{})
	backend := echoTCP(t)
	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "echo", Type: proto.TypeTCP, LocalAddr: backend,
	})

	conn, err := net.DialTimeout("tcp", publicAddr(ep), 2*time.Second)
	if err != nil {
		t.Fatalf("dial entrypoint %q: %v", ep, err)
	}
	defer conn.Close()
	msg := []byte("ping over the tunnel")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func TestTCPTunnelExplicitPort(t *testing.T) {
	srv := startServer(t, server.Config{})
	backend := echoTCP(t)

	// Grab a free port the hard way, then hand it to the tunnel.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	port := uint16(probe.Addr().(*net.TCPAddr).Port)
	_ = probe.Close()

	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "echo", Type: proto.TypeTCP, LocalAddr: backend,
		Remote: proto.RemoteSpec{Port: port},
	})
	if ep != fmt.Sprintf(":%d", port) {
		t.Fatalf("entrypoint = %q, want :%d", ep, port)
	}
}

func TestBackendDownClosesFlowOnly(t *testing.T) {
	srv := startServer(t, server.Config{FlowTimeout: 2 * time.Second})
	// A port nothing listens on.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	deadBackend := probe.Addr().String()
	_ = probe.Close()

	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "dead", Type: proto.TypeTCP, LocalAddr: deadBackend,
	})

	conn, err := net.DialTimeout("tcp", publicAddr(ep), 2*time.Second)
	if err != nil {
		t.Fatalf("dial entrypoint: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the public connection to be closed")
	}
	_ = conn.Close()

	// The tunnel survives the failed flow: the entrypoint still accepts.
	c2, err := net.DialTimeout("tcp", publicAddr(ep), 2*time.Second)
	if err != nil {
		t.Fatalf("entrypoint gone after failed flow: %v", err)
	}
	_ = c2.Close()
}

func TestRegistrationConflict(t *testing.T) {
	srv := startServer(t, server.Config{})
	backend := echoTCP(t)
	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "first", Type: proto.TypeTCP, LocalAddr: backend,
	})
	port := strings.TrimPrefix(ep, ":")

	var portNum int
	if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
		t.Fatalf("parse entrypoint %q: %v", ep, err)
	}
	second := client.New(client.Config{
		ServerAddr: srv.ControlAddr(),
		DataAddr:   srv.DataAddr(),
		Tunnels: []client.TunnelSpec{{
			Name: "second", Type: proto.TypeTCP, LocalAddr: backend,
			Remote: proto.RemoteSpec{Port: uint16(portNum)},
		}},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := second.Run(ctx)
	if !errors.Is(err, client.ErrRegistration) {
		t.Fatalf("want ErrRegistration, got %v", err)
	}
}

func TestHTTPHostRouting(t *testing.T) {
	srv := startServer(t, server.Config{BaseDomain: "castle.test"})

	blog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello from blog")
	}))
	t.Cleanup(blog.Close)

	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "blog", Type: proto.TypeHTTP,
		LocalAddr: strings.TrimPrefix(blog.URL, "http://"),
		Remote:    proto.RemoteSpec{Subdomain: "blog"},
	})
	if !strings.HasPrefix(ep, "blog.castle.test:") {
		t.Fatalf("entrypoint = %q", ep)
	}

	body, status := vhttpGet(t, srv.VHTTPAddr(), "blog.castle.test")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "hello from blog") {
		t.Fatalf("body = %q", body)
	}

	// Unknown host on the shared port gets a 404 from the server itself.
	_, status = vhttpGet(t, srv.VHTTPAddr(), "nobody.castle.test")
	if status != 404 {
		t.Fatalf("unknown host status = %d, want 404", status)
	}
}

func TestHTTPExactDomain(t *testing.T) {
	srv := startServer(t, server.Config{BaseDomain: "castle.test"})
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "app body")
	}))
	t.Cleanup(app.Close)

	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "app", Type: proto.TypeHTTP,
		LocalAddr: strings.TrimPrefix(app.URL, "http://"),
		Remote:    proto.RemoteSpec{Domain: "app.example.com"},
	})
	if !strings.HasPrefix(ep, "app.example.com:") {
		t.Fatalf("entrypoint = %q", ep)
	}
	body, status := vhttpGet(t, srv.VHTTPAddr(), "app.example.com")
	if status != 200 || !strings.Contains(body, "app body") {
		t.Fatalf("status=%d body=%q", status, body)
	}
}

// vhttpGet issues one raw HTTP/1.1 request against the shared vhttp port
// with an explicit Host header and returns the body and status code.
func vhttpGet(t *testing.T, addr, host string) (string, int) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial vhttp: %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", host)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rd := bufio.NewReader(conn)
	resp, err := http.ReadResponse(rd, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body), resp.StatusCode
}

// echoUDP starts a UDP echo backend and returns its address.
func echoUDP(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteToUDP(buf[:n], from)
		}
	}()
	return pc.LocalAddr().String()
}

// udpExchange sends msg until its echo arrives. The first datagram of a flow
// may be in flight while the flow is still being set up, and resends mean
// duplicate or stale echoes may be sitting in the socket; both are skipped.
func udpExchange(t *testing.T, conn net.Conn, msg []byte) {
	t.Helper()
	got := make([]byte, 64*1024)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := conn.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		n, err := conn.Read(got)
		if err == nil && string(got[:n]) == string(msg) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no matching echo within deadline (last err: %v)", err)
		}
	}
}

func TestUDPTunnelRoundTrip(t *testing.T) {
	srv := startServer(t, server.Config{})
	backend := echoUDP(t)
	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "dns-like", Type: proto.TypeUDP, LocalAddr: backend,
	})

	conn, err := net.Dial("udp", publicAddr(ep))
	if err != nil {
		t.Fatalf("dial entrypoint: %v", err)
	}
	defer conn.Close()
	udpExchange(t, conn, []byte("datagram payload"))
}

func TestUDPFlowIdleReclaimed(t *testing.T) {
	srv := startServer(t, server.Config{UDPIdleTimeout: 300 * time.Millisecond})
	backend := echoUDP(t)
	ep, _ := startAgent(t, srv, client.TunnelSpec{
		Name: "quiet", Type: proto.TypeUDP, LocalAddr: backend,
	})

	conn, err := net.Dial("udp", publicAddr(ep))
	if err != nil {
		t.Fatalf("dial entrypoint: %v", err)
	}
	defer conn.Close()

	waitFlows := func(want int64) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for srv.Stats().TotalFlows < want {
			if time.Now().After(deadline) {
				t.Fatalf("flows = %d, want %d", srv.Stats().TotalFlows, want)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	udpExchange(t, conn, []byte("first"))
	waitFlows(1)

	// Go quiet past the idle timeout; the flow is reclaimed and the next
	// datagram from the same source gets a fresh one.
	time.Sleep(900 * time.Millisecond)
	udpExchange(t, conn, []byte("second"))
	waitFlows(2)
}

func TestKeepaliveTimeoutDropsSilentClient(t *testing.T) {
	srv := startServer(t, server.Config{KeepaliveTimeout: 300 * time.Millisecond})

	// A bare control connection that registers once and then says nothing.
	conn, err := net.DialTimeout("tcp", srv.ControlAddr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()
	err = proto.WriteLine(conn, proto.ClientMessage{
		Kind: proto.KindRegister, Name: "quiet", Type: proto.TypeTCP, LocalAddr: "127.0.0.1:1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	rd := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var msg proto.ServerMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("parse reply %q: %v", line, err)
	}
	if msg.Kind != proto.KindRegistered {
		t.Fatalf("reply = %+v, want registered", msg)
	}

	// The dead session must be reaped and its entrypoint released.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.DialTimeout("tcp", publicAddr(msg.Entrypoint), 200*time.Millisecond)
		if err != nil {
			break
		}
		_ = c.Close()
		if time.Now().After(deadline) {
			t.Fatal("entrypoint still accepting after keepalive timeout")
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := rd.ReadString('\n'); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("control connection not closed by server: %v", err)
	}
}

func TestServerShutdownDrainsActiveFlow(t *testing.T) {
	cfg := server.Config{
		ControlAddr:   "127.0.0.1:0",
		DataAddr:      "127.0.0.1:0",
		VHTTPAddr:     "127.0.0.1:0",
		GraceDeadline: 2 * time.Second,
	}
	srv := server.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run(ctx) }()
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := srv.WaitReady(wctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}

	backend := echoTCP(t)
	eps := make(chan string, 1)
	agent := client.New(client.Config{
		ServerAddr:    srv.ControlAddr(),
		DataAddr:      srv.DataAddr(),
		Tunnels:       []client.TunnelSpec{{Name: "echo", Type: proto.TypeTCP, LocalAddr: backend}},
		GraceDeadline: 3 * time.Second,
		OnEntrypoint: func(_ client.TunnelSpec, _, ep string) {
			eps <- ep
		},
	})
	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(context.Background()) }()
	var ep string
	select {
	case ep = <-eps:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never registered")
	}

	conn, err := net.DialTimeout("tcp", publicAddr(ep), 2*time.Second)
	if err != nil {
		t.Fatalf("dial entrypoint: %v", err)
	}
	defer conn.Close()
	first := []byte("before shutdown")
	if _, err := conn.Write(first); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(first))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	cancel()

	// The in-flight flow keeps relaying during the grace window.
	second := []byte("mid-grace")
	if _, err := conn.Write(second); err != nil {
		t.Fatalf("write during grace: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(1500 * time.Millisecond))
	buf = make([]byte, len(second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read during grace: %v", err)
	}

	// Past the grace deadline the flow is force-closed.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("flow not closed after grace deadline: %v", err)
	}

	select {
	case err := <-srvDone:
		if err != nil {
			t.Fatalf("server run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case err := <-agentDone:
		if err != nil {
			t.Fatalf("agent run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestServerShutdownIsGracefulForAgent(t *testing.T) {
	cfg := server.Config{}
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.DataAddr = "127.0.0.1:0"
	cfg.VHTTPAddr = "127.0.0.1:0"
	cfg.GraceDeadline = time.Second
	srv := server.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run(ctx) }()
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := srv.WaitReady(wctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}

	backend := echoTCP(t)
	eps := make(chan string, 1)
	agent := client.New(client.Config{
		ServerAddr: srv.ControlAddr(),
		DataAddr:   srv.DataAddr(),
		Tunnels:    []client.TunnelSpec{{Name: "echo", Type: proto.TypeTCP, LocalAddr: backend}},
		OnEntrypoint: func(_ client.TunnelSpec, _, ep string) {
			eps <- ep
		},
	})
	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(context.Background()) }()
	select {
	case <-eps:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never registered")
	}

	cancel()
	select {
	case err := <-srvDone:
		if err != nil {
			t.Fatalf("server run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	// The server announced shutdown on the control session; the agent treats
	// that as a graceful end, not an error.
	select {
	case err := <-agentDone:
		if err != nil {
			t.Fatalf("agent run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestClientCloseDeregistersImmediately(t *testing.T) {
	srv := startServer(t, server.Config{})
	backend := echoTCP(t)
	ep, ra := startAgent(t, srv, client.TunnelSpec{
		Name: "echo", Type: proto.TypeTCP, LocalAddr: backend,
	})

	ra.cancel()
	select {
	case err := <-ra.done:
		if err != nil {
			t.Fatalf("agent run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	// The entrypoint must be released without waiting out any keepalive
	// timeout.
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", publicAddr(ep), 200*time.Millisecond)
		if err != nil {
			return
		}
		_ = conn.Close()
		if time.Now().After(deadline) {
			t.Fatal("entrypoint still accepting after deregister")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
