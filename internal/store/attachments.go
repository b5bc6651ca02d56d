package store

import (
	"fmt"
	"strings"

	"github.com/nordahl/raido/internal/apperr"
	"github.com/nordahl/raido/internal/models"
)

// AddAttachment registers a file reference for a note.
func (db *DB) AddAttachment(a models.Attachment) error {
	_, err := db.conn.Exec(`
		INSERT INTO attachments (hash, note_id, filename, mime_type, size, downloaded)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			note_id    = excluded.note_id,
			filename   = excluded.filename,
			mime_type  = excluded.mime_type,
			size       = excluded.size
	`, a.Hash, a.NoteID, a.Filename, a.MimeType, a.Size, a.Downloaded)
	if err != nil {
		return fmt.Errorf("store: add attachment: %w", err)
	}
	return nil
}

// ListImageAttachments returns the image attachments of a note.
func (db *DB) ListImageAttachments(noteID string) ([]models.Attachment, error) {
	rows, err := db.conn.Query(`
		SELECT hash, note_id, filename, mime_type, size, downloaded
		FROM attachments WHERE note_id = ?
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("store: list attachments: %w", err)
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.Hash, &a.NoteID, &a.Filename, &a.MimeType, &a.Size, &a.Downloaded); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(a.MimeType, "image/") {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAttachmentDownloaded flips the downloaded flag once the file has
// materialized in the media directory.
func (db *DB) MarkAttachmentDownloaded(hash string) error {
	res, err := db.conn.Exec(`UPDATE attachments SET downloaded = 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("store: mark downloaded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
