package dat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is the error returned
	// when a Getter tries to access a non-existent ref, anchor, or entry.
	ErrNotFound = errors.New("not found")

	// ErrOpen is matched (via errors.Is) by every failure to open an archive.
	ErrOpen = errors.New("archive cannot be opened")

	// ErrWriteRefused is returned when writing to an archive that is not owned locally.
	ErrWriteRefused = errors.New("you cannot put files in this archive")

	// ErrExportUnavailable is matched by every failed export.
	ErrExportUnavailable = errors.New("cannot find peers to download this archive from at this time")
)

// OpenError reports that the archive with the given key could not be opened.
// It is never retried automatically.
type OpenError struct {
	Key Ref
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("opening archive %s: %s", e.Key, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// ExportError reports a failed export.
// Its message is generic;
// the failing entry, if any, is only available through Unwrap.
type ExportError struct {
	Err error
}

func (e *ExportError) Error() string { return ErrExportUnavailable.Error() }

func (e *ExportError) Unwrap() error { return e.Err }

func (e *ExportError) Is(target error) bool { return target == ErrExportUnavailable }
