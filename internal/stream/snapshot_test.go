package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestTakeSnapshot(t *testing.T) {
	path := writeScript(t, scriptPath(t), "printf 'JPEGDATA'")
	s, _, st := newTestSupervisor(t, testConfig(t, path, freePort(t)))

	encoded, err := s.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("TakeSnapshot() error: %v", err)
	}
	if encoded != base64.StdEncoding.EncodeToString([]byte("JPEGDATA")) {
		t.Errorf("unexpected snapshot %q", encoded)
	}

	snap := st.GetState().Stream.Snapshot
	if snap.Taking || snap.Failed || snap.TakenAt.IsZero() {
		t.Errorf("unexpected snapshot state %+v", snap)
	}
}

func TestTakeSnapshot_RejectsConcurrentCapture(t *testing.T) {
	path := writeScript(t, scriptPath(t), "sleep 0.5; printf 'frame'")
	s, _, _ := newTestSupervisor(t, testConfig(t, path, freePort(t)))

	first := make(chan error, 1)
	go func() {
		_, err := s.TakeSnapshot(context.Background())
		first <- err
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := s.TakeSnapshot(context.Background()); !errors.Is(err, ErrSnapshotInFlight) {
		t.Errorf("second TakeSnapshot() error = %v, want ErrSnapshotInFlight", err)
	}
	if err := <-first; err != nil {
		t.Errorf("first TakeSnapshot() error: %v", err)
	}

	// The slot is free again once the first capture is done
	if _, err := s.TakeSnapshot(context.Background()); err != nil {
		t.Errorf("TakeSnapshot() after completion error: %v", err)
	}
}

func TestTakeSnapshot_CaptureFails(t *testing.T) {
	path := writeScript(t, scriptPath(t), "echo 'Connection refused' >&2; exit 1")
	s, _, st := newTestSupervisor(t, testConfig(t, path, freePort(t)))

	if _, err := s.TakeSnapshot(context.Background()); err == nil {
		t.Fatal("expected TakeSnapshot() to fail")
	}
	if !st.GetState().Stream.Snapshot.Failed {
		t.Error("store should record the failed snapshot")
	}
}

func TestTakeSnapshot_EmptyOutput(t *testing.T) {
	path := writeScript(t, scriptPath(t), "exit 0")
	s, _, _ := newTestSupervisor(t, testConfig(t, path, freePort(t)))

	if _, err := s.TakeSnapshot(context.Background()); !errors.Is(err, ErrEmptySnapshot) {
		t.Errorf("TakeSnapshot() error = %v, want ErrEmptySnapshot", err)
	}
}

func TestTakeSnapshot_Timeout(t *testing.T) {
	path := writeScript(t, scriptPath(t), "exec sleep 60")
	cfg := testConfig(t, path, freePort(t))
	cfg.Stream.SnapshotTimeout = 200 * time.Millisecond
	s, _, _ := newTestSupervisor(t, cfg)

	start := time.Now()
	if _, err := s.TakeSnapshot(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("TakeSnapshot() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timed out snapshot took %v", elapsed)
	}
}

func TestTakeSnapshot_IndependentOfStream(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir+"/fake-ffmpeg", `case "$*" in *pipe:1*) printf 'still' ;; *) exec sleep 60 ;; esac`)
	s, _, _ := newTestSupervisor(t, testConfig(t, path, freePort(t)))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	pid := s.State().Pid

	if _, err := s.TakeSnapshot(ctx); err != nil {
		t.Fatalf("TakeSnapshot() error: %v", err)
	}
	if s.State().Phase != Running || s.State().Pid != pid {
		t.Errorf("snapshot disturbed the stream: %+v", s.State())
	}
}
