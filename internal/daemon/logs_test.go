package daemon

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLogBroadcasterSubscribeAndBroadcast(t *testing.T) {
	lb := NewLogBroadcaster(100)

	ch, history := lb.Subscribe(10)
	defer lb.Unsubscribe(ch)
	if len(history) != 0 {
		t.Errorf("Expected no history, got %v", history)
	}

	lb.Broadcast("hello")

	select {
	case msg := <-ch:
		if msg != "hello" {
			t.Errorf("Expected %q, got %q", "hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for broadcast message")
	}
}

func TestLogBroadcasterHistory(t *testing.T) {
	lb := NewLogBroadcaster(3)
	for i := range 5 {
		lb.Broadcast(fmt.Sprintf("line %d", i))
	}

	if diff := cmp.Diff([]string{"line 2", "line 3", "line 4"}, lb.History()); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}

	ch, history := lb.Subscribe(2)
	defer lb.Unsubscribe(ch)
	if diff := cmp.Diff([]string{"line 3", "line 4"}, history); diff != "" {
		t.Errorf("Subscribe history mismatch (-want +got):\n%s", diff)
	}

	ch2, none := lb.Subscribe(0)
	defer lb.Unsubscribe(ch2)
	if none != nil {
		t.Errorf("Expected no history for zero lines, got %v", none)
	}
}

func TestLogBroadcasterUnsubscribe(t *testing.T) {
	lb := NewLogBroadcaster(10)

	ch, _ := lb.Subscribe(0)
	lb.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after unsubscribe")
	}

	// Second unsubscribe is a no-op
	lb.Unsubscribe(ch)
	lb.Broadcast("after")
}

func TestLogBroadcasterSlowClient(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := range subscriberBuffer * 2 {
			lb.Broadcast(fmt.Sprintf("line %d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow client")
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("Expected buffer to be full with %d lines, got %d", subscriberBuffer, len(ch))
	}
}

func TestLogBroadcasterConcurrent(t *testing.T) {
	lb := NewLogBroadcaster(1000)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, _ := lb.Subscribe(5)
			lb.Broadcast(fmt.Sprintf("from %d", i))
			lb.Unsubscribe(ch)
		}()
	}
	wg.Wait()

	if got := len(lb.History()); got != 10 {
		t.Errorf("Expected 10 history lines, got %d", got)
	}
}

func TestNewLoggerWritesToBroadcaster(t *testing.T) {
	lb := NewLogBroadcaster(10)
	var file bytes.Buffer

	logger := NewLogger(0, lb, &file)
	logger.Debug("hidden")
	logger.Info("Stream started", "pid", 42)

	history := lb.History()
	if len(history) != 1 {
		t.Fatalf("Expected 1 line at info level, got %v", history)
	}
	if !strings.Contains(history[0], "Stream started") || !strings.Contains(history[0], "42") {
		t.Errorf("Unexpected log line %q", history[0])
	}
	if !strings.Contains(file.String(), "Stream started") {
		t.Errorf("Expected the log file writer to get the line too, got %q", file.String())
	}

	verbose := NewLogger(1, lb)
	verbose.Debug("shown")
	if got := lb.History(); !strings.Contains(got[len(got)-1], "shown") {
		t.Errorf("Expected debug output when verbose, got %v", got)
	}
}
