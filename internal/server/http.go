package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openosaka/castle/internal/httpx"
	"github.com/openosaka/castle/internal/obs"
	"github.com/openosaka/castle/internal/relay"
	"github.com/openosaka/castle/internal/web"
)

// handleVHTTP serves one connection on the shared public port: read just the
// request head, pick the tunnel by Host header, then hand the committed
// connection to a stream relay.
func (s *Server) handleVHTTP(c net.Conn) {
	br := bufio.NewReader(c)
	req, err := httpx.ParseRequest(br, s.cfg.MaxHeaderSize)
	if err != nil {
		obs.Error("vhttp.header", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("vhttp_header").Inc()
		_ = c.Close()
		return
	}
	host := req.Get("Host")
	t, ok := s.router.Route(host)
	if !ok {
		obs.Error("vhttp.nomatch", obs.Fields{"host": host})
		obs.ErrorsTotal.WithLabelValues("vhttp_host").Inc()
		writeErrorPage(c, http.StatusNotFound, "notfound", map[string]any{"Host": host})
		return
	}
	if !s.limiter.AllowFlow(t.ID) {
		obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
		writePlainStatus(c, http.StatusTooManyRequests)
		return
	}
	if s.cfg.AddXFF {
		req.AugmentXFF(httpx.RemoteIP(c))
	}
	data, err := s.openFlow(t)
	if err != nil {
		obs.Error("vhttp.flow", obs.Fields{"tunnel": t.ID, "host": host, "err": err.Error()})
		switch {
		case errors.Is(err, ErrBackendUnreachable):
			obs.ErrorsTotal.WithLabelValues("backend_unreachable").Inc()
			writeErrorPage(c, http.StatusBadGateway, "down", map[string]any{"Host": host})
		case errors.Is(err, ErrFlowTimeout):
			writeErrorPage(c, http.StatusGatewayTimeout, "timeout", map[string]any{"Host": host, "Timeout": s.cfg.FlowTimeout.String()})
		default:
			obs.ErrorsTotal.WithLabelValues("flow_open").Inc()
			writePlainStatus(c, http.StatusBadGateway)
		}
		return
	}
	// Replay the consumed head to the client side, then stream. The bufio
	// reader may hold body bytes past the head; keep reading through it.
	var head bytes.Buffer
	_, _ = req.WriteTo(&head)
	if _, err := data.Write(head.Bytes()); err != nil {
		obs.ErrorsTotal.WithLabelValues("vhttp_replay").Inc()
		_ = data.Close()
		_ = c.Close()
		return
	}
	s.relayData(t, &relay.BufferedConn{Conn: c, R: br}, data)
}

func writeErrorPage(c net.Conn, status int, tmpl string, data map[string]any) {
	var body bytes.Buffer
	if err := web.Render(&body, tmpl, data); err != nil {
		writePlainStatus(c, status)
		return
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	head.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&head, "Content-Length: %d\r\n", body.Len())
	head.WriteString("Cache-Control: no-store\r\nConnection: close\r\n\r\n")
	_, _ = c.Write(append(head.Bytes(), body.Bytes()...))
	_ = c.Close()
}

func writePlainStatus(c net.Conn, status int) {
	text := http.StatusText(status)
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, text, len(text), text)
	_, _ = c.Write([]byte(msg))
	_ = c.Close()
}
