package daemon

import (
	"os"
	"time"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/store"
	"go.olrik.dev/camwarden/internal/tunnel"
)

// Status is the STATUS command payload.
type Status struct {
	Version        string            `json:"version"`
	Pid            int               `json:"pid"`
	StartedAt      time.Time         `json:"started_at"`
	Configured     bool              `json:"configured"`
	Stream         store.StreamState `json:"stream"`
	Recovering     string            `json:"recovering,omitempty"`
	ControlChannel bool              `json:"control_channel"`
	Tunnels        []TunnelStatus    `json:"tunnels"`
}

type TunnelStatus struct {
	Name          string `json:"name"`
	LocalHost     string `json:"local_host"`
	LocalPort     int    `json:"local_port"`
	RemotePort    int    `json:"remote_port,omitempty"`
	Status        string `json:"status"`
	WillReconnect bool   `json:"will_reconnect"`
	LastError     string `json:"last_error,omitempty"`
}

// SnapshotResult is the SNAPSHOT command payload.
type SnapshotResult struct {
	Image       string    `json:"image"` // Base64
	ContentType string    `json:"content_type"`
	TakenAt     time.Time `json:"taken_at"`
}

func (d *Daemon) status() Status {
	state := d.store.GetState()
	supervisor := d.supervisor.State()

	status := Status{
		Version:        core.FormatVersion(core.Version),
		Pid:            os.Getpid(),
		StartedAt:      d.startedAt,
		Configured:     state.Config.Configured,
		Stream:         state.Stream,
		ControlChannel: d.control.Connected(),
		Tunnels:        []TunnelStatus{},
	}
	if supervisor.Recovering != nil {
		status.Recovering = supervisor.Recovering.String()
	}
	for _, s := range d.broker.Sessions() {
		status.Tunnels = append(status.Tunnels, tunnelStatus(s))
	}
	return status
}

func tunnelStatus(s tunnel.Session) TunnelStatus {
	return TunnelStatus{
		Name:          s.Name,
		LocalHost:     s.LocalHost,
		LocalPort:     s.LocalPort,
		RemotePort:    s.RemotePort,
		Status:        string(s.Status),
		WillReconnect: s.WillReconnect,
		LastError:     s.LastError,
	}
}
