package process

import (
	"bytes"
	"strings"
	"sync"

	"go.olrik.dev/camwarden/internal/ring"
)

// tailWriter splits stderr into lines, keeps the last few and hands each line
// to an optional callback.
type tailWriter struct {
	mu      sync.Mutex
	lines   *ring.Buffer[string]
	partial []byte
	onLine  func(string)
}

func newTailWriter(size int, onLine func(string)) *tailWriter {
	return &tailWriter{
		lines:  ring.New[string](size),
		onLine: onLine,
	}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexAny(w.partial, "\r\n")
		if i < 0 {
			break
		}
		w.emit(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *tailWriter) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	w.lines.Push(line)
	if w.onLine != nil {
		w.onLine(line)
	}
}

func (w *tailWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *tailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines.Items()
}

func (w *tailWriter) String() string {
	return strings.Join(w.Lines(), "\n")
}
