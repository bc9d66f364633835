package store

import "time"

// ActionType names a state change.
type ActionType string

const (
	UpdateConfig      ActionType = "UPDATE_CONFIG"
	RequestStart      ActionType = "REQUEST_START"
	SetStarted        ActionType = "SET_STARTED"
	RequestStop       ActionType = "REQUEST_STOP"
	SetStopped        ActionType = "SET_STOPPED"
	RequestRestart    ActionType = "REQUEST_RESTART"
	SetError          ActionType = "SET_ERROR"
	TryReconnect      ActionType = "TRY_RECONNECT"
	StopErrorHandling ActionType = "STOP_ERROR_HANDLING"
	SetErrorResolved  ActionType = "SET_ERROR_RESOLVED"
	SnapshotRequested ActionType = "SNAPSHOT_REQUESTED"
	SnapshotTaken     ActionType = "SNAPSHOT_TAKEN"
	SnapshotFailed    ActionType = "SNAPSHOT_FAILED"

	SetTunnelStatus        ActionType = "SET_TUNNEL_STATUS"
	SetTunnelRemotePort    ActionType = "SET_TUNNEL_REMOTE_PORT"
	SetTunnelError         ActionType = "SET_TUNNEL_ERROR"
	SetTunnelWillReconnect ActionType = "SET_TUNNEL_WILL_RECONNECT"
)

// Action is a plain record consumed by the reducer.
type Action struct {
	Type ActionType `json:"type"`
	Data any        `json:"data,omitempty"`
	Time time.Time  `json:"time"`
}

// Dispatcher accepts actions. The supervisor and the tunnel broker only ever
// dispatch; they never write the state directly.
type Dispatcher interface {
	Dispatch(action Action)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(Action)

func (f DispatcherFunc) Dispatch(action Action) { f(action) }

// Discard drops every action.
var Discard Dispatcher = DispatcherFunc(func(Action) {})

// Payloads

type ConfigData struct {
	Configured     bool   `json:"configured"`
	Source         string `json:"source"`
	Output         string `json:"output"` // Without the stream key
	TunnelsEnabled bool   `json:"tunnels_enabled"`
}

type StartedData struct {
	Pid int `json:"pid"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ReconnectData struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type SnapshotData struct {
	Bytes int    `json:"bytes,omitempty"`
	Error string `json:"error,omitempty"`
}

type TunnelStatusData struct {
	Session   string `json:"session"`
	Status    string `json:"status"`
	LocalPort int    `json:"local_port,omitempty"`
}

type TunnelPortData struct {
	Session    string `json:"session"`
	RemotePort int    `json:"remote_port"`
}

type TunnelErrorData struct {
	Session string `json:"session"`
	Error   string `json:"error"`
}

type TunnelWillReconnectData struct {
	Session       string `json:"session"`
	WillReconnect bool   `json:"will_reconnect"`
}
