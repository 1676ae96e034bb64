package httpx

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	raw := "GET /index.html HTTP/1.1\r\nHost: foo.tunnels.example.com\r\nX-Forwarded-For: 1.2.3.4\r\n\r\nbody-start"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 32*1024)
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" || req.URI != "/index.html" || req.Proto != "HTTP/1.1" {
		t.Fatalf("bad request line: %+v", req)
	}
	if got := req.Get("host"); got != "foo.tunnels.example.com" {
		t.Fatalf("Get(host) = %q", got)
	}
	if string(req.BodyStart) != "body-start" {
		t.Fatalf("BodyStart = %q", req.BodyStart)
	}

	req.AugmentXFF("5.6.7.8")
	var out bytes.Buffer
	if _, err := req.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	if !strings.Contains(s, "X-Forwarded-For: 1.2.3.4, 5.6.7.8\r\n") {
		t.Fatalf("XFF not augmented:\n%s", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\nbody-start") {
		t.Fatalf("body bytes lost:\n%s", s)
	}
}

func TestParseRequestBadLine(t *testing.T) {
	if _, err := ParseRequest(bufio.NewReader(strings.NewReader("garbage\r\n\r\n")), 1024); err == nil {
		t.Fatal("expected error for bad request line")
	}
}

func TestParseRequestTooLarge(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nPadding: " + strings.Repeat("x", 2048) + "\r\n\r\n"
	if _, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)), 128); err == nil {
		t.Fatal("expected header too large error")
	}
}
