package attach

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nordahl/raido/internal/checksum"
	"github.com/nordahl/raido/internal/models"
	"github.com/nordahl/raido/internal/store"
	"github.com/nordahl/raido/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMaterializer(t *testing.T, db *store.DB, delay time.Duration) *Materializer {
	t.Helper()
	m, err := New(db, filepath.Join(t.TempDir(), "media"), delay, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func seedNoteWithAttachment(t *testing.T, db *store.DB, hash, mime string) string {
	t.Helper()
	title := "Note"
	id, _, err := db.UpsertNote(store.NoteUpdate{Title: &title})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddAttachment(models.Attachment{
		Hash: hash, NoteID: id, Filename: "file", MimeType: mime, Size: 1,
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFilePath(t *testing.T) {
	m := testMaterializer(t, testutil.TestStore(t), time.Millisecond)

	good, err := m.FilePath("abc123")
	if err != nil {
		t.Fatalf("valid hash rejected: %v", err)
	}
	if filepath.Base(good) != "abc123" || !strings.HasPrefix(good, m.mediaDir) {
		t.Errorf("path = %q", good)
	}

	for _, bad := range []string{"", "..", "../escape", "a/b", "/abs"} {
		if _, err := m.FilePath(bad); err == nil {
			t.Errorf("accepted %q", bad)
		}
	}
}

func TestTriggerWritesDownloadMarker(t *testing.T) {
	db := testutil.TestStore(t)
	m := testMaterializer(t, db, 10*time.Millisecond)
	id := seedNoteWithAttachment(t, db, "imghash1", "image/png")

	m.TriggerAfterLoad(id)

	marker, _ := m.FilePath("imghash1")
	marker += markerSuffix
	waitFor(t, "download marker", func() bool {
		_, err := os.Stat(marker)
		return err == nil
	})
}

func TestTriggerMarksPresentFiles(t *testing.T) {
	db := testutil.TestStore(t)
	m := testMaterializer(t, db, 10*time.Millisecond)
	id := seedNoteWithAttachment(t, db, "presenthash", "image/png")

	// The file is already in the media directory before the trigger.
	path, _ := m.FilePath("presenthash")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	m.TriggerAfterLoad(id)

	waitFor(t, "downloaded flag", func() bool {
		atts, err := db.ListImageAttachments(id)
		return err == nil && len(atts) == 1 && atts[0].Downloaded
	})
	// No download request for a file that is already present.
	if _, err := os.Stat(path + markerSuffix); !os.IsNotExist(err) {
		t.Error("marker written for present file")
	}
}

func TestTriggerSkipsNonImages(t *testing.T) {
	db := testutil.TestStore(t)
	m := testMaterializer(t, db, 5*time.Millisecond)
	id := seedNoteWithAttachment(t, db, "dochash", "application/pdf")

	m.TriggerAfterLoad(id)
	time.Sleep(100 * time.Millisecond)

	marker, _ := m.FilePath("dochash")
	if _, err := os.Stat(marker + markerSuffix); !os.IsNotExist(err) {
		t.Error("marker written for non-image attachment")
	}
}

func TestCancelBeforeDelay(t *testing.T) {
	db := testutil.TestStore(t)
	m := testMaterializer(t, db, 150*time.Millisecond)
	id := seedNoteWithAttachment(t, db, "cancelhash", "image/png")

	m.TriggerAfterLoad(id)
	m.CancelFileOps(id)
	time.Sleep(300 * time.Millisecond)

	marker, _ := m.FilePath("cancelhash")
	if _, err := os.Stat(marker + markerSuffix); !os.IsNotExist(err) {
		t.Error("cancelled operation still wrote a marker")
	}
}

func TestRetriggerReplacesOperation(t *testing.T) {
	db := testutil.TestStore(t)
	m := testMaterializer(t, db, 50*time.Millisecond)
	id := seedNoteWithAttachment(t, db, "replacehash", "image/png")

	m.TriggerAfterLoad(id)
	m.TriggerAfterLoad(id)

	marker, _ := m.FilePath("replacehash")
	waitFor(t, "download marker", func() bool {
		_, err := os.Stat(marker + markerSuffix)
		return err == nil
	})
}

func TestWatchVerifiesAndMarks(t *testing.T) {
	db := testutil.TestStore(t)
	m := testMaterializer(t, db, time.Millisecond)

	content := []byte("the image bytes")
	hash := checksum.Sum(content)
	id := seedNoteWithAttachment(t, db, hash, "image/jpeg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	// Fetcher drops the file, named by its content hash.
	path, _ := m.FilePath(hash)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "downloaded flag", func() bool {
		atts, err := db.ListImageAttachments(id)
		return err == nil && len(atts) == 1 && atts[0].Downloaded
	})

	cancel()
	<-done
}

func TestWatchRejectsChecksumMismatch(t *testing.T) {
	db := testutil.TestStore(t)
	m := testMaterializer(t, db, time.Millisecond)
	id := seedNoteWithAttachment(t, db, "deadbeef00", "image/jpeg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	// File name claims hash deadbeef00 but the content does not match.
	path, _ := m.FilePath("deadbeef00")
	if err := os.WriteFile(path, []byte("not those bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	atts, err := db.ListImageAttachments(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 || atts[0].Downloaded {
		t.Errorf("mismatched file marked downloaded: %+v", atts)
	}
}
