// Package appstate persists the "last app state" blob used for crash
// recovery. The client writes the blob on suspend; the service consumes it at
// most once on cold start, bounded by a freshness window.
package appstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nordahl/raido/internal/models"
)

// Store reads and writes the app-state blob at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the blob at path. The parent directory is
// created if missing.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("appstate: mkdir: %w", err)
	}
	return &Store{path: path}, nil
}

// Write persists the snapshot. Used by tests and by clients colocated with
// the service; remote clients write the file directly.
func (s *Store) Write(snap models.AppStateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("appstate: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("appstate: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("appstate: rename: %w", err)
	}
	return nil
}

// Read returns the current snapshot without consuming it.
func (s *Store) Read() (*models.AppStateSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("appstate: read: %w", err)
	}
	var snap models.AppStateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("appstate: unmarshal: %w", err)
	}
	return &snap, nil
}

// Clear removes the blob.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// TakeRecent consumes the snapshot when it records an in-progress edit on an
// unlocked note younger than window. The blob is cleared on consumption so a
// restore can only happen once. Stale, non-editing, or locked-note snapshots
// are discarded silently and left in place.
func (s *Store) TakeRecent(window time.Duration) (*models.AppStateSnapshot, bool) {
	snap, err := s.Read()
	if err != nil || snap == nil {
		return nil, false
	}
	if !snap.Editing || snap.Note == nil || snap.Note.Locked {
		return nil, false
	}
	if time.Since(snap.Timestamp) >= window {
		return nil, false
	}
	if err := s.Clear(); err != nil {
		return nil, false
	}
	return snap, true
}

// Watch calls cb whenever the blob is rewritten externally (client suspend
// while the service runs). Blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, logger *slog.Logger, cb func(models.AppStateSnapshot)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	logger.Info("appstate: watcher started", slog.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			logger.Info("appstate: watcher stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			snap, readErr := s.Read()
			if readErr != nil || snap == nil {
				continue
			}
			logger.Debug("appstate: snapshot updated",
				slog.Bool("editing", snap.Editing),
				slog.Time("timestamp", snap.Timestamp))
			if cb != nil {
				cb(*snap)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("appstate: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
