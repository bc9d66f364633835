package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/process"
	"go.olrik.dev/camwarden/internal/store"
)

// TakeSnapshot grabs a single frame from the camera with a separate, short
// lived process and returns it base64 encoded. Only one snapshot runs at a
// time.
func (s *Supervisor) TakeSnapshot(ctx context.Context) (string, error) {
	cfg := s.config.Current()
	if cfg == nil || !cfg.IsConfigured() {
		return "", ErrUnconfigured
	}

	s.mu.Lock()
	if s.snapshotting {
		s.mu.Unlock()
		return "", ErrSnapshotInFlight
	}
	s.snapshotting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.snapshotting = false
		s.mu.Unlock()
	}()

	s.dispatch(store.SnapshotRequested, nil)

	frame, err := captureFrame(ctx, cfg)
	if err != nil {
		s.logger.Warn("Snapshot failed", "error", err)
		s.dispatch(store.SnapshotFailed, store.SnapshotData{Error: err.Error()})
		return "", err
	}

	s.dispatch(store.SnapshotTaken, store.SnapshotData{Bytes: len(frame)})
	return base64.StdEncoding.EncodeToString(frame), nil
}

func captureFrame(ctx context.Context, cfg *core.Configuration) ([]byte, error) {
	if cfg.Stream.SnapshotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Stream.SnapshotTimeout)
		defer cancel()
	}

	var buf bytes.Buffer
	h, err := process.Start(process.Spec{
		Label:  "snapshot",
		Path:   cfg.Stream.Executable,
		Args:   snapshotArgs(cfg),
		Stdout: &buf,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Kill()
		<-h.Done()
		return nil, fmt.Errorf("snapshot: %w", ctx.Err())
	}

	if err := h.Err(); err != nil {
		return nil, fmt.Errorf("snapshot capture failed: %w", err)
	}
	if buf.Len() == 0 {
		return nil, ErrEmptySnapshot
	}
	return buf.Bytes(), nil
}
