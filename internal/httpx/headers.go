// Package httpx parses just enough of an HTTP/1.x request off a raw
// connection to route it by Host header, leaving body streaming untouched.
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Header is a single header field, case preserved as seen on the wire.
type Header struct {
	Name  string
	Value string
}

// Request is the parsed start-line and headers of one inbound request.
// BodyStart holds any body bytes read past the header terminator.
type Request struct {
	Method    string
	URI       string
	Proto     string
	Headers   []Header
	BodyStart []byte
}

// Get returns the first value for name, case-insensitively, or empty.
func (r *Request) Get(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// AugmentXFF appends clientIP to X-Forwarded-For, adding the header if absent.
func (r *Request) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	for i, h := range r.Headers {
		if strings.EqualFold(h.Name, "X-Forwarded-For") {
			r.Headers[i].Value = h.Value + ", " + clientIP
			return
		}
	}
	r.Headers = append(r.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

// WriteTo serializes the request line, headers and any pre-read body bytes.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.URI, r.Proto)
	for _, h := range r.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.BodyStart)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ParseRequest reads lines from r until the header terminator or max bytes.
func ParseRequest(r *bufio.Reader, max int) (*Request, error) {
	var buf []byte
	for !hasHeaderEnd(buf) {
		if len(buf) > max {
			return nil, fmt.Errorf("header too large (%d>%d)", len(buf), max)
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf = append(buf, line...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			return nil, err
		}
	}
	return parse(buf)
}

func hasHeaderEnd(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

func parse(buf []byte) (*Request, error) {
	var head, body []byte
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i != -1 {
		head, body = buf[:i], buf[i+4:]
	} else if i := bytes.Index(buf, []byte("\n\n")); i != -1 {
		head, body = buf[:i], buf[i+2:]
	} else {
		head = buf
	}
	lines := strings.Split(string(head), "\n")
	reqLine := strings.TrimRight(lines[0], "\r")
	parts := strings.Split(reqLine, " ")
	if len(parts) < 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	req := &Request{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		req.Headers = append(req.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
	if len(body) > 0 {
		req.BodyStart = append([]byte{}, body...)
	}
	return req, nil
}

// RemoteIP extracts the IP portion of a connection's remote address.
func RemoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
