// Package proto defines the control protocol spoken between the castle server
// and client agents. Every control message is a single JSON object terminated
// by a newline; data connections open with one JSON line (DataHello) and then
// carry raw bytes (stream tunnels) or length-prefixed frames (udp tunnels).
package proto

import (
	"encoding/json"
	"io"
)

// Tunnel types.
const (
	TypeTCP  = "tcp"
	TypeUDP  = "udp"
	TypeHTTP = "http"
)

// Client to server message kinds.
const (
	KindRegister   = "register"
	KindDeregister = "deregister"
	KindKeepalive  = "keepalive"
	KindClose      = "close"
)

// Server to client message kinds. KindKeepalive doubles as the ack.
const (
	KindRegistered   = "registered"
	KindDeregistered = "deregistered"
	KindError        = "error"
	KindInvite       = "invite"
	KindShutdown     = "shutdown"
)

// Error categories carried in ServerMessage.Code on registration failure.
const (
	CodePortInUse      = "port_in_use"
	CodeDomainInUse    = "domain_in_use"
	CodeSubdomainInUse = "subdomain_in_use"
	CodeExhausted      = "exhausted"
	CodeBadSpec        = "bad_spec"
	CodeInternal       = "internal"
)

// RemoteSpec selects the public entrypoint of a tunnel. At most one field is
// set; the zero value asks the server to pick an ephemeral port.
type RemoteSpec struct {
	Port            uint16 `json:"port,omitempty"`
	Domain          string `json:"domain,omitempty"`
	Subdomain       string `json:"subdomain,omitempty"`
	RandomSubdomain bool   `json:"random_subdomain,omitempty"`
}

// ClientMessage is one client to server control line.
type ClientMessage struct {
	Kind      string      `json:"kind"`
	Name      string      `json:"name,omitempty"` // client-chosen tunnel name, for logs
	Type      string      `json:"type,omitempty"`
	LocalAddr string      `json:"local_addr,omitempty"`
	Remote    *RemoteSpec `json:"remote,omitempty"`
	TunnelID  string      `json:"tunnel_id,omitempty"`
}

// ServerMessage is one server to client control line.
type ServerMessage struct {
	Kind       string `json:"kind"`
	TunnelID   string `json:"tunnel_id,omitempty"`
	Entrypoint string `json:"entrypoint,omitempty"`
	FlowID     string `json:"flow_id,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DataHello is the first line a client sends on a freshly dialed data
// connection. A non-empty Error (e.g. the local backend refused the dial)
// aborts the flow and the server surfaces the failure to the public caller.
type DataHello struct {
	FlowID string `json:"flow_id"`
	Error  string `json:"error,omitempty"`
}

// WriteLine marshals v and writes it followed by a newline.
func WriteLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
