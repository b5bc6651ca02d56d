// Package attach materializes note attachments in the media directory.
// Actual downloads are performed by an external fetcher; this package issues
// download requests, watches for arriving files, and keeps the store's
// downloaded flags current. Materialization is triggered after a load delay
// so large attachments never block note text becoming visible, and every
// in-flight operation is cancellable per note id (note switches cancel the
// previous note's work).
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nordahl/raido/internal/checksum"
	"github.com/nordahl/raido/internal/store"
)

// markerSuffix marks a pending download request for the external fetcher.
const markerSuffix = ".want"

// Materializer coordinates attachment downloads for loaded notes.
type Materializer struct {
	store    store.NoteStore
	mediaDir string
	delay    time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	ops map[string]*operation
}

type operation struct {
	cancel context.CancelFunc
}

// New creates a materializer rooted at mediaDir, creating it if missing.
func New(st store.NoteStore, mediaDir string, delay time.Duration, logger *slog.Logger) (*Materializer, error) {
	abs, err := filepath.Abs(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("attach: resolve media dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("attach: create media dir: %w", err)
	}
	return &Materializer{
		store:    st,
		mediaDir: abs,
		delay:    delay,
		logger:   logger,
		ops:      make(map[string]*operation),
	}, nil
}

// FilePath returns the absolute media path for an attachment hash, rejecting
// anything that is not a plain file name.
func (m *Materializer) FilePath(hash string) (string, error) {
	cleaned := filepath.Clean(hash)
	if cleaned == "" || cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("attach: invalid attachment name: %s", hash)
	}
	abs := filepath.Join(m.mediaDir, cleaned)
	if !strings.HasPrefix(abs, m.mediaDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("attach: path escapes media directory: %s", hash)
	}
	return abs, nil
}

// TriggerAfterLoad schedules materialization of noteID's image attachments
// after the configured delay. A previous operation for the same note is
// cancelled first.
func (m *Materializer) TriggerAfterLoad(noteID string) {
	if noteID == "" {
		return
	}
	m.CancelFileOps(noteID)

	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{cancel: cancel}
	m.mu.Lock()
	m.ops[noteID] = op
	m.mu.Unlock()

	go func() {
		defer m.clearOp(noteID, op)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.delay):
		}
		m.materialize(ctx, noteID)
	}()
}

// CancelFileOps cancels any in-flight attachment work for the note.
func (m *Materializer) CancelFileOps(noteID string) {
	m.mu.Lock()
	op, ok := m.ops[noteID]
	if ok {
		delete(m.ops, noteID)
	}
	m.mu.Unlock()
	if ok {
		op.cancel()
	}
}

// clearOp removes op's registration unless a newer trigger replaced it.
func (m *Materializer) clearOp(noteID string, op *operation) {
	m.mu.Lock()
	if m.ops[noteID] == op {
		delete(m.ops, noteID)
	}
	m.mu.Unlock()
}

// materialize reconciles the note's image attachments: files already present
// are marked downloaded, missing ones get a download request marker.
func (m *Materializer) materialize(ctx context.Context, noteID string) {
	atts, err := m.store.ListImageAttachments(noteID)
	if err != nil {
		m.logger.Warn("attach: list failed", slog.String("note_id", noteID), slog.String("error", err.Error()))
		return
	}
	for _, a := range atts {
		if ctx.Err() != nil {
			return
		}
		if a.Downloaded {
			continue
		}
		path, err := m.FilePath(a.Hash)
		if err != nil {
			m.logger.Warn("attach: bad hash", slog.String("hash", a.Hash))
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			if markErr := m.store.MarkAttachmentDownloaded(a.Hash); markErr == nil {
				m.logger.Debug("attach: already present", slog.String("hash", a.Hash))
			}
			continue
		}
		if err := os.WriteFile(path+markerSuffix, nil, 0o644); err != nil {
			m.logger.Warn("attach: request marker failed", slog.String("hash", a.Hash), slog.String("error", err.Error()))
			continue
		}
		m.logger.Debug("attach: download requested", slog.String("hash", a.Hash), slog.String("note_id", noteID))
	}
}

// Watch marks attachments downloaded as the external fetcher drops files into
// the media directory. File names are attachment hashes; the content hash is
// verified before the flag flips. Blocks until ctx is cancelled.
func (m *Materializer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(m.mediaDir); err != nil {
		return err
	}

	m.logger.Info("attach: watcher started", slog.String("dir", m.mediaDir))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("attach: watcher stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasSuffix(name, markerSuffix) || strings.HasPrefix(name, ".") {
				continue
			}
			m.fileArrived(name)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("attach: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

func (m *Materializer) fileArrived(hash string) {
	path, err := m.FilePath(hash)
	if err != nil {
		return
	}
	sum, err := checksum.SumFile(path)
	if err != nil {
		return
	}
	if sum != hash {
		m.logger.Warn("attach: checksum mismatch", slog.String("file", hash), slog.String("sum", sum))
		return
	}
	if err := m.store.MarkAttachmentDownloaded(hash); err != nil {
		return
	}
	_ = os.Remove(path + markerSuffix)
	m.logger.Debug("attach: downloaded", slog.String("hash", hash))
}
