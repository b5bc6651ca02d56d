// Package checksum provides fast content fingerprints for change detection.
package checksum

import (
	"bufio"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Sum returns the hex-encoded xxhash64 digest of data.
func Sum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// SumFile streams the file at path through the hash.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
