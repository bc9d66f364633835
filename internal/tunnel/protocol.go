// Package tunnel manages the reverse tunnels: the control channel client and
// broker used by the agent, and the tunnel daemon that keeps the SSH
// processes alive.
package tunnel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control channel events. Replies are correlated by request id as
// "success:<id>" or "error:<id>".
const (
	EventCreateTunnel = "create_tunnel"
	EventCloseTunnel  = "close_tunnel"

	successPrefix = "success:"
	errorPrefix   = "error:"

	// DefaultLocalHost is where forwarded connections land unless a request
	// names another host.
	DefaultLocalHost = "localhost"
)

// Message is one newline-delimited JSON frame on the control channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CreateTunnelRequest asks the daemon to forward remotePort on the SSH
// master back to localHost:localPort.
type CreateTunnelRequest struct {
	ID                string `json:"id"`
	Host              string `json:"host"`
	Username          string `json:"username"`
	SSHPort           int    `json:"sshPort"`
	LocalHost         string `json:"localHost,omitempty"`
	LocalPort         int    `json:"localPort"`
	RemotePort        int    `json:"remotePort"`
	Key               string `json:"key,omitempty"`
	KeepaliveInterval int    `json:"keepaliveInterval"`
	Reverse           bool   `json:"reverse"`
}

// CloseTunnelRequest asks the daemon to tear down the tunnel on port.
type CloseTunnelRequest struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

func successEvent(id string) string { return successPrefix + id }
func errorEvent(id string) string   { return errorPrefix + id }

// parseReply splits a reply event into its id and outcome.
func parseReply(event string) (id string, success bool, ok bool) {
	if id, found := strings.CutPrefix(event, successPrefix); found {
		return id, true, true
	}
	if id, found := strings.CutPrefix(event, errorPrefix); found {
		return id, false, true
	}
	return "", false, false
}

func newMessage(event string, data any) (Message, error) {
	msg := Message{Type: event}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return msg, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	msg.Data = raw
	return msg, nil
}
