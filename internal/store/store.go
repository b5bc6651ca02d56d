// Package store provides the SQLite-backed note persistence module: note
// records, content blocks keyed by content id, and attachment bookkeeping.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nordahl/raido/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	content_id  TEXT NOT NULL DEFAULT '',
	preview     TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	locked      INTEGER NOT NULL DEFAULT 0,
	conflicted  INTEGER NOT NULL DEFAULT 0,
	read_only   INTEGER NOT NULL DEFAULT 0,
	session_id  TEXT NOT NULL DEFAULT '',
	history_id  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contents (
	id         TEXT PRIMARY KEY,
	note_id    TEXT NOT NULL,
	type       TEXT NOT NULL DEFAULT '',
	data       BLOB NOT NULL DEFAULT x'',
	checksum   TEXT NOT NULL DEFAULT '',
	sealed     INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_contents_note ON contents(note_id);

CREATE TABLE IF NOT EXISTS attachments (
	hash       TEXT PRIMARY KEY,
	note_id    TEXT NOT NULL,
	filename   TEXT NOT NULL,
	mime_type  TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_attachments_note ON attachments(note_id);
`

// NoteStore defines the persistence operations the editor bridge depends on.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with mocks.
type NoteStore interface {
	GetNote(id string) (*models.NoteRecord, error)
	UpsertNote(u NoteUpdate) (id string, created bool, err error)
	VaultSave(u NoteUpdate, sealed []byte) error
	GetRawContent(contentID string) (data string, contentType string, err error)
	ListNotes(limit, offset int, sort string) ([]models.NoteListItem, int, error)
	Search(query string, limit int) ([]SearchResult, error)
	SetLocked(noteID string, sealed []byte) error
	SetConflicted(noteID string, conflicted bool) error
	ListImageAttachments(noteID string) ([]models.Attachment, error)
	AddAttachment(a models.Attachment) error
	MarkAttachmentDownloaded(hash string) error
	Close() error
}

// Verify *DB satisfies NoteStore at compile time.
var _ NoteStore = (*DB)(nil)

// DB wraps a sql.DB with note-store operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
