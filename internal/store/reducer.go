package store

import (
	"log/slog"
	"time"
)

// Reduce folds action into state. It never mutates the input.
func Reduce(state State, action Action) State {
	state = state.clone()
	stream := &state.Stream

	switch action.Type {
	case UpdateConfig:
		if data, ok := action.Data.(ConfigData); ok {
			state.Config = data
		}

	case RequestStart:
		stream.Phase = "STARTING"

	case SetStarted:
		stream.Phase = "RUNNING"
		stream.ErrorCode = ""
		stream.ErrorMessage = ""
		stream.HandlingError = false
		stream.Reconnect = ReconnectData{}
		stream.StartedAt = action.Time
		if data, ok := action.Data.(StartedData); ok {
			stream.Pid = data.Pid
		}

	case RequestStop:
		stream.Phase = "STOPPING"

	case SetStopped:
		stream.Phase = "STOPPED"
		stream.Pid = 0
		stream.StartedAt = time.Time{}

	case RequestRestart:
		// Restart is observable through the stop/start actions that follow

	case SetError:
		stream.Phase = "STOPPED"
		stream.Pid = 0
		stream.StartedAt = time.Time{}
		if data, ok := action.Data.(ErrorData); ok {
			stream.ErrorCode = data.Code
			stream.ErrorMessage = data.Message
		}

	case TryReconnect:
		stream.HandlingError = true
		if data, ok := action.Data.(ReconnectData); ok {
			stream.Reconnect = data
		}

	case StopErrorHandling:
		stream.HandlingError = false
		stream.Reconnect = ReconnectData{}

	case SetErrorResolved:
		stream.HandlingError = false
		stream.ErrorCode = ""
		stream.ErrorMessage = ""
		stream.Reconnect = ReconnectData{}

	case SnapshotRequested:
		stream.Snapshot.Taking = true
		stream.Snapshot.Failed = false

	case SnapshotTaken:
		stream.Snapshot.Taking = false
		stream.Snapshot.Failed = false
		stream.Snapshot.TakenAt = action.Time

	case SnapshotFailed:
		stream.Snapshot.Taking = false
		stream.Snapshot.Failed = true

	case SetTunnelStatus:
		if data, ok := action.Data.(TunnelStatusData); ok {
			tunnel := state.Tunnels[data.Session]
			tunnel.Status = data.Status
			if data.LocalPort != 0 {
				tunnel.LocalPort = data.LocalPort
			}
			switch data.Status {
			case "CONNECTING":
				tunnel.LastError = ""
			case "DISCONNECTED":
				tunnel.RemotePort = 0
			}
			state.Tunnels[data.Session] = tunnel
		}

	case SetTunnelRemotePort:
		if data, ok := action.Data.(TunnelPortData); ok {
			tunnel := state.Tunnels[data.Session]
			tunnel.RemotePort = data.RemotePort
			state.Tunnels[data.Session] = tunnel
		}

	case SetTunnelError:
		if data, ok := action.Data.(TunnelErrorData); ok {
			tunnel := state.Tunnels[data.Session]
			tunnel.LastError = data.Error
			state.Tunnels[data.Session] = tunnel
		}

	case SetTunnelWillReconnect:
		if data, ok := action.Data.(TunnelWillReconnectData); ok {
			tunnel := state.Tunnels[data.Session]
			tunnel.WillReconnect = data.WillReconnect
			state.Tunnels[data.Session] = tunnel
		}

	default:
		slog.Debug("Ignoring unknown action", "type", action.Type)
	}

	return state
}
