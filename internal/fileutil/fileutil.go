// Package fileutil handles the on-disk side of segmented transfers: temp
// file creation, merging segment files into the destination, and cleanup.
package fileutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/adrij/fdm/internal/logger"
)

const mergeBufferSize = 1024 * 1024

var (
	ErrTargetFileCreate = errors.New("failed to create target file for merging")
	ErrSegmentFileOpen  = errors.New("failed to open segment file")
	ErrSegmentFileCopy  = errors.New("failed to copy segment data")
)

// CreateSegmentFile atomically creates a temp file for one segment of a
// download. The name embeds the download id and segment index for later
// prefix matching; the random suffix added by os.CreateTemp keeps the full
// path unpredictable and rules out check-then-create races.
func CreateSegmentFile(tempDir, downloadID string, index int) (string, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	f, err := os.CreateTemp(tempDir, fmt.Sprintf("%s_segment_%d_*.tmp", downloadID, index))
	if err != nil {
		return "", fmt.Errorf("failed to create segment file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close segment file: %w", err)
	}

	return path, nil
}

// Merge streams the source files, in the order given, into dest using a
// bounded buffer. When deleteSources is set, each source is removed after a
// successful merge; removal failures are logged and never fail the merge.
func Merge(sources []string, dest string, deleteSources bool) error {
	log := logger.Get("fileutil")

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTargetFileCreate, dest)
	}
	defer out.Close()

	w := bufio.NewWriterSize(out, mergeBufferSize)
	buf := make([]byte, mergeBufferSize)

	var total int64
	for _, src := range sources {
		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrSegmentFileOpen, src)
		}

		n, err := io.CopyBuffer(w, in, buf)
		in.Close()
		total += n
		if err != nil {
			return fmt.Errorf("%w: %s", ErrSegmentFileCopy, src)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush merged data: %w", err)
	}

	log.Debug().Str("dest", dest).Int64("bytes", total).Int("segments", len(sources)).Msg("merged segment files")

	if deleteSources {
		for _, src := range sources {
			if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", src).Msg("failed to remove segment file after merge")
			}
		}
	}

	return nil
}

// Cleanup removes every temp file in tempDir belonging to the given
// download, matched by the id-derived name prefix. Used on cancellation or
// abandonment.
func Cleanup(tempDir, downloadID string) {
	log := logger.Get("fileutil")

	matches, err := filepath.Glob(filepath.Join(tempDir, downloadID+"_segment_*"))
	if err != nil {
		log.Warn().Err(err).Str("download", downloadID).Msg("failed to glob temp files")
		return
	}

	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove temp file")
		}
	}
}

// UniqueName returns filename, or a " (n)"-suffixed variant of it, such
// that the result does not collide with an existing file in dir.
func UniqueName(dir, filename string) string {
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return filename
	}

	ext := filepath.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}
