// Package checksum computes and verifies file digests for completed
// downloads.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/adrij/fdm/internal/logger"
)

const readChunkSize = 32 * 1024

var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
}

// Hash computes the hex digest of the file at path using the named
// algorithm (md5, sha1 or sha256). The file is read in fixed-size chunks so
// memory use is independent of file size.
func Hash(path, algorithm string) (string, error) {
	newHash, ok := algorithms[strings.ToLower(algorithm)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := newHash()
	buf := make([]byte, readChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to read file for hashing: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether the file's digest matches expected, compared
// case-insensitively after trimming whitespace. Any internal failure
// (missing file, unknown algorithm, read error) yields false rather than an
// error.
func Verify(path, expected, algorithm string) bool {
	actual, err := Hash(path, algorithm)
	if err != nil {
		log := logger.Get("checksum")
		log.Debug().Err(err).Str("path", path).Msg("verification failed")
		return false
	}

	return strings.EqualFold(actual, strings.TrimSpace(expected))
}

// Display returns a short human-readable form of a checksum, truncated for
// UI surfaces.
func Display(sum, algorithm string) string {
	if sum == "" {
		return "no checksum"
	}
	if len(sum) > 12 {
		sum = sum[:12] + "..."
	}
	return fmt.Sprintf("%s: %s", strings.ToUpper(algorithm), sum)
}
