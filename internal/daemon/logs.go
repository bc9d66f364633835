package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"go.olrik.dev/camwarden/internal/ring"
)

const (
	defaultLogHistory = 1000
	subscriberBuffer  = 100
)

// LogBroadcaster fans log lines out to `camwarden logs` clients and keeps a
// bounded history for replay.
type LogBroadcaster struct {
	mu      sync.Mutex
	clients map[chan string]struct{}
	history *ring.Buffer[string]
}

// NewLogBroadcaster creates a broadcaster keeping historySize lines.
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = defaultLogHistory
	}
	return &LogBroadcaster{
		clients: make(map[chan string]struct{}),
		history: ring.New[string](historySize),
	}
}

// Subscribe registers a client and returns up to historyLines lines of
// history alongside the live channel.
func (lb *LogBroadcaster) Subscribe(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, subscriberBuffer)
	lb.clients[ch] = struct{}{}

	var history []string
	if historyLines > 0 {
		history = lb.history.Last(historyLines)
	}
	return ch, history
}

// Unsubscribe removes a client and closes its channel.
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.clients[ch]; ok {
		delete(lb.clients, ch)
		close(ch)
	}
}

// Broadcast records message and hands it to every client that keeps up.
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.history.Push(message)
	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
			// Slow client, drop the line rather than block logging
		}
	}
}

// History returns the retained lines, oldest first.
func (lb *LogBroadcaster) History() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.history.Items()
}

// Write implements io.Writer so the broadcaster can sit behind a slog
// handler.
func (lb *LogBroadcaster) Write(p []byte) (int, error) {
	lb.Broadcast(string(p))
	return len(p), nil
}

// NewLogger builds the tint logger used by both daemons. Output goes to
// stderr and every extra writer given.
func NewLogger(verbose int, extra ...io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	writers := append([]io.Writer{os.Stderr}, extra...)
	handler := tint.NewHandler(io.MultiWriter(writers...), &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !isTerminal(os.Stderr),
	})
	return slog.New(handler)
}

// OpenLogFile opens (or creates) a daemon log file for appending.
func OpenLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// handleLogs streams agent logs to the client until it disconnects.
func (d *Daemon) handleLogs(conn net.Conn, historyLines int) {
	logChan, history := d.logs.Subscribe(historyLines)
	defer d.logs.Unsubscribe(logChan)

	if _, err := conn.Write([]byte("Connected to camwarden agent logs. Press Ctrl+C to exit.\n")); err != nil {
		d.logger.Warn("Failed to send initial message to logs client", "error", err)
		return
	}
	for _, line := range history {
		if _, err := conn.Write([]byte(line)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()

	for {
		select {
		case line, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(line)); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
