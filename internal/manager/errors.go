package manager

import (
	"errors"
	"fmt"
)

// Kind tags a download failure with the unit that produced it. The kind
// decides whether the failure degrades, retries, or is terminal.
type Kind string

const (
	// KindProbe marks metadata-probe failures. These degrade to unknown
	// size and single-segment mode instead of aborting the add.
	KindProbe Kind = "probe"
	// KindTempFile marks local temp-file creation failures. Fatal for the
	// download, never retried.
	KindTempFile Kind = "tempfile"
	// KindSegment marks transport failures inside one segment worker. They
	// are contained at the segment boundary and feed the retry branch.
	KindSegment Kind = "segment"
	// KindMerge marks failures reassembling segment files.
	KindMerge Kind = "merge"
	// KindChecksum marks verification failures. Terminal, destination kept.
	KindChecksum Kind = "checksum"
)

// Error wraps a failure with its kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure kind, or "" for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrNotFound   = errors.New("download not found")
	ErrNotRunning = errors.New("manager is not running")
	ErrInvalidURL = errors.New("invalid URL")
)
