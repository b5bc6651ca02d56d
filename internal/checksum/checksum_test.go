package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSumStable(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	if a != b {
		t.Errorf("same input hashed differently: %q %q", a, b)
	}
	if a == Sum([]byte("hello!")) {
		t.Error("different inputs collided")
	}
	if a == "" {
		t.Error("empty digest")
	}
}

func TestSumFileMatchesSum(t *testing.T) {
	data := []byte("file contents for hashing")
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	fromFile, err := SumFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != Sum(data) {
		t.Errorf("SumFile = %q, Sum = %q", fromFile, Sum(data))
	}
}

func TestSumFileMissing(t *testing.T) {
	if _, err := SumFile(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("missing file hashed")
	}
}
