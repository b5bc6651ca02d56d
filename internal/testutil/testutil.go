// Package testutil provides shared test helpers for setting up stores and
// fixtures.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nordahl/raido/internal/appstate"
	"github.com/nordahl/raido/internal/store"
	"github.com/nordahl/raido/internal/vault"
)

// TestStore creates a temporary SQLite note store that is automatically
// cleaned up.
func TestStore(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "raido-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a vault with a fixed test passphrase.
func TestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// TestStateStore creates an app-state store in a temp directory.
func TestStateStore(t *testing.T) *appstate.Store {
	t.Helper()
	s, err := appstate.NewStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}
