package store

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nordahl/raido/internal/apperr"
	"github.com/nordahl/raido/internal/checksum"
	"github.com/nordahl/raido/internal/models"
)

// ContentUpdate replaces a note's content block. Unlocked saves allocate a
// fresh content id; the vault-save path keeps the existing one.
type ContentUpdate struct {
	Type string
	Data string
}

// NoteUpdate is a partial note write. Nil pointer fields are left untouched
// in the persisted record. An empty NoteID mints a new note.
type NoteUpdate struct {
	NoteID    string
	Title     *string
	Content   *ContentUpdate
	Preview   *string
	Tags      *[]string
	SessionID *string
	HistoryID *string
}

// SearchResult represents one search hit.
type SearchResult struct {
	ID      string
	Title   string
	Snippet string
}

// GetNote returns the note record. Locked notes carry their sealed content
// inline (base64) so the bridge never has to resolve it separately.
func (db *DB) GetNote(id string) (*models.NoteRecord, error) {
	row := db.conn.QueryRow(`
		SELECT id, title, content_id, preview, tags, locked, conflicted,
		       read_only, session_id, history_id, created_at, updated_at
		FROM notes WHERE id = ?
	`, id)

	var n models.NoteRecord
	var tagsJSON string
	err := row.Scan(&n.ID, &n.Title, &n.ContentID, &n.Preview, &tagsJSON,
		&n.Locked, &n.Conflicted, &n.ReadOnly, &n.SessionID, &n.HistoryID,
		&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get note: %w", err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)

	if n.Locked && n.ContentID != "" {
		var data []byte
		err := db.conn.QueryRow(`SELECT data, type FROM contents WHERE id = ?`, n.ContentID).
			Scan(&data, &n.ContentType)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: get locked content: %w", err)
		}
		n.Content = base64.StdEncoding.EncodeToString(data)
	} else if n.ContentID != "" {
		err := db.conn.QueryRow(`SELECT type FROM contents WHERE id = ?`, n.ContentID).
			Scan(&n.ContentType)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: get content type: %w", err)
		}
	}
	return &n, nil
}

// UpsertNote applies a partial update, creating the note when NoteID is empty.
// A content update allocates a new content block id; fields absent from u are
// never overwritten.
func (db *DB) UpsertNote(u NoteUpdate) (string, bool, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return "", false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	now := time.Now().UTC()
	id := u.NoteID
	created := false

	if id == "" {
		id = uuid.NewString()
		created = true
		if _, err := tx.Exec(`INSERT INTO notes (id, created_at, updated_at) VALUES (?, ?, ?)`,
			id, now, now); err != nil {
			return "", false, fmt.Errorf("store: insert note: %w", err)
		}
	} else {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM notes WHERE id = ?`, id).Scan(&exists); err != nil {
			return "", false, fmt.Errorf("store: check note: %w", err)
		}
		if exists == 0 {
			return "", false, apperr.ErrNotFound
		}
	}

	if u.Content != nil {
		contentID := uuid.NewString()
		if _, err := tx.Exec(`
			INSERT INTO contents (id, note_id, type, data, checksum, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, contentID, id, u.Content.Type, []byte(u.Content.Data),
			checksum.Sum([]byte(u.Content.Data)), now); err != nil {
			return "", false, fmt.Errorf("store: insert content: %w", err)
		}
		// Drop superseded blocks for this note.
		_, _ = tx.Exec(`DELETE FROM contents WHERE note_id = ? AND id != ?`, id, contentID)
		if _, err := tx.Exec(`UPDATE notes SET content_id = ? WHERE id = ?`, contentID, id); err != nil {
			return "", false, fmt.Errorf("store: set content id: %w", err)
		}
	}

	if err := applyPartial(tx, id, u, now); err != nil {
		return "", false, err
	}
	if err := refreshFTS(tx, id); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("store: commit: %w", err)
	}
	return id, created, nil
}

// VaultSave updates a locked note. The sealed content replaces the data of
// the existing content block in place; the content id is preserved.
func (db *DB) VaultSave(u NoteUpdate, sealed []byte) error {
	if u.NoteID == "" {
		return fmt.Errorf("store: vault save requires a note id")
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var contentID string
	err = tx.QueryRow(`SELECT content_id FROM notes WHERE id = ?`, u.NoteID).Scan(&contentID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: vault save lookup: %w", err)
	}

	now := time.Now().UTC()
	if sealed != nil {
		if _, err := tx.Exec(`
			UPDATE contents SET data = ?, checksum = ?, sealed = 1, updated_at = ? WHERE id = ?
		`, sealed, checksum.Sum(sealed), now, contentID); err != nil {
			return fmt.Errorf("store: vault save content: %w", err)
		}
	}
	u.Content = nil // content id must never change on this path
	if err := applyPartial(tx, u.NoteID, u, now); err != nil {
		return err
	}
	return tx.Commit()
}

// applyPartial builds an UPDATE touching only the fields present in u.
func applyPartial(tx *sql.Tx, id string, u NoteUpdate, now time.Time) error {
	set := "updated_at = ?"
	args := []any{now}
	if u.Title != nil {
		set += ", title = ?"
		args = append(args, *u.Title)
	}
	if u.Preview != nil {
		set += ", preview = ?"
		args = append(args, *u.Preview)
	}
	if u.Tags != nil {
		tagsJSON, _ := json.Marshal(*u.Tags)
		set += ", tags = ?"
		args = append(args, string(tagsJSON))
	}
	if u.SessionID != nil {
		set += ", session_id = ?"
		args = append(args, *u.SessionID)
	}
	if u.HistoryID != nil {
		set += ", history_id = ?"
		args = append(args, *u.HistoryID)
	}
	args = append(args, id)
	if _, err := tx.Exec(`UPDATE notes SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("store: update note: %w", err)
	}
	return nil
}

// GetRawContent returns the content block data and type for an unlocked note.
func (db *DB) GetRawContent(contentID string) (string, string, error) {
	var data []byte
	var ctype string
	err := db.conn.QueryRow(`SELECT data, type FROM contents WHERE id = ? AND sealed = 0`, contentID).
		Scan(&data, &ctype)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", apperr.ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("store: get content: %w", err)
	}
	return string(data), ctype, nil
}

// ListNotes returns paginated note list items, newest first by default.
func (db *DB) ListNotes(limit, offset int, sort string) ([]models.NoteListItem, int, error) {
	if limit <= 0 {
		limit = 50
	}
	order := "updated_at DESC"
	switch sort {
	case "title":
		order = "title COLLATE NOCASE ASC"
	case "created":
		order = "created_at DESC"
	}

	var total int
	if err := db.conn.QueryRow(`SELECT COUNT(1) FROM notes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count notes: %w", err)
	}

	rows, err := db.conn.Query(`
		SELECT id, title, preview, tags, locked, updated_at
		FROM notes ORDER BY `+order+` LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list notes: %w", err)
	}
	defer rows.Close()

	var out []models.NoteListItem
	for rows.Next() {
		var it models.NoteListItem
		var tagsJSON string
		if err := rows.Scan(&it.ID, &it.Title, &it.Preview, &tagsJSON, &it.Locked, &it.UpdatedAt); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal([]byte(tagsJSON), &it.Tags)
		if it.Tags == nil {
			it.Tags = []string{}
		}
		out = append(out, it)
	}
	return out, total, rows.Err()
}

// SetLocked marks the note as locked and replaces its content block data with
// the sealed bytes, keeping the same content id.
func (db *DB) SetLocked(noteID string, sealed []byte) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var contentID string
	err = tx.QueryRow(`SELECT content_id FROM notes WHERE id = ?`, noteID).Scan(&contentID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock lookup: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE contents SET data = ?, checksum = ?, sealed = 1, updated_at = ? WHERE id = ?`,
		sealed, checksum.Sum(sealed), now, contentID); err != nil {
		return fmt.Errorf("store: seal content: %w", err)
	}
	if _, err := tx.Exec(`UPDATE notes SET locked = 1, preview = '', updated_at = ? WHERE id = ?`,
		now, noteID); err != nil {
		return fmt.Errorf("store: mark locked: %w", err)
	}
	// Locked notes must not leak body text through search.
	ftsDelete(tx, noteID)
	return tx.Commit()
}

// SetConflicted flags or clears the sync-conflict marker.
func (db *DB) SetConflicted(noteID string, conflicted bool) error {
	res, err := db.conn.Exec(`UPDATE notes SET conflicted = ? WHERE id = ?`, conflicted, noteID)
	if err != nil {
		return fmt.Errorf("store: set conflicted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// refreshFTS re-indexes the note's title and preview for search.
func refreshFTS(tx *sql.Tx, id string) error {
	var title, prev string
	var locked bool
	if err := tx.QueryRow(`SELECT title, preview, locked FROM notes WHERE id = ?`, id).
		Scan(&title, &prev, &locked); err != nil {
		return fmt.Errorf("store: fts lookup: %w", err)
	}
	if locked {
		ftsDelete(tx, id)
		return nil
	}
	return ftsUpsert(tx, id, title, prev)
}
