// Package store holds the agent's observable state. Components dispatch
// actions, a reducer folds them into State, and subscribers receive every
// change in order.
package store

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.olrik.dev/camwarden/internal/ring"
)

// State is the observable agent state.
type State struct {
	Stream  StreamState            `json:"stream"`
	Tunnels map[string]TunnelState `json:"tunnels"`
	Config  ConfigData             `json:"config"`
}

type StreamState struct {
	Phase         string        `json:"phase"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	HandlingError bool          `json:"handling_error"`
	Reconnect     ReconnectData `json:"reconnect,omitempty"`
	Pid           int           `json:"pid,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	Snapshot      SnapshotState `json:"snapshot"`
}

type SnapshotState struct {
	Taking  bool      `json:"taking"`
	Failed  bool      `json:"failed"`
	TakenAt time.Time `json:"taken_at,omitempty"`
}

type TunnelState struct {
	Status        string `json:"status"`
	LocalPort     int    `json:"local_port,omitempty"`
	RemotePort    int    `json:"remote_port,omitempty"`
	WillReconnect bool   `json:"will_reconnect"`
	LastError     string `json:"last_error,omitempty"`
}

// Change is one dispatched action and the state it produced.
type Change struct {
	Seq    uint64 `json:"seq"`
	Action Action `json:"action"`
	State  State  `json:"state"`
}

// Store is the central state store.
type Store struct {
	mu          sync.Mutex
	state       State
	seq         uint64
	history     *ring.Buffer[Change]
	subscribers map[uint64]*subscriber
	nextID      uint64
	bufferSize  int
}

type subscriber struct {
	ch      chan Change
	dropped uint64
}

// DefaultBuffer is the channel buffer Subscribe gives a subscriber beyond
// the replayed history.
const DefaultBuffer = 64

// New creates a store keeping historySize changes for replay.
func New(historySize int) *Store {
	return &Store{
		state:       initialState(),
		history:     ring.New[Change](historySize),
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  DefaultBuffer,
	}
}

func initialState() State {
	return State{
		Stream:  StreamState{Phase: "STOPPED"},
		Tunnels: make(map[string]TunnelState),
	}
}

// Dispatch applies action and notifies subscribers.
func (s *Store) Dispatch(action Action) {
	if action.Time.IsZero() {
		action.Time = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Reduce(s.state, action)
	s.seq++
	change := Change{Seq: s.seq, Action: action, State: s.state.clone()}
	s.history.Push(change)

	for id, sub := range s.subscribers {
		select {
		case sub.ch <- change:
		default:
			sub.dropped++
			slog.Warn("Store subscriber not keeping up, dropping change",
				"subscriber", id, "seq", change.Seq, "action", change.Action.Type, "dropped", sub.dropped)
		}
	}
}

// GetState returns a copy of the current state.
func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// History returns the retained changes, oldest first.
func (s *Store) History() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Items()
}

// Subscribe registers a receiver of changes. With replay, retained history is
// delivered first.
func (s *Store) Subscribe(replay bool) (uint64, <-chan Change) {
	return s.SubscribeBuffered(replay, s.bufferSize)
}

// SubscribeBuffered is Subscribe with room for buffer undelivered changes.
// Changes that do not fit are dropped and counted, see Dropped.
func (s *Store) SubscribeBuffered(replay bool, buffer int) (uint64, <-chan Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Change, max(buffer, 1)+s.history.Len())
	id := s.nextID
	s.nextID++
	s.subscribers[id] = &subscriber{ch: ch}

	if replay {
		for _, change := range s.history.Items() {
			ch <- change
		}
	}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// Dropped reports how many changes subscriber id has missed.
func (s *Store) Dropped(id uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		return sub.dropped
	}
	return 0
}

func (st State) clone() State {
	st.Tunnels = maps.Clone(st.Tunnels)
	if st.Tunnels == nil {
		st.Tunnels = make(map[string]TunnelState)
	}
	return st
}
