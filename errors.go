package vrs

import (
	"errors"
	"fmt"
	"syscall"
)

// Library error categories. Operations wrap these sentinels with %w so
// callers can classify failures with errors.Is regardless of the
// operation-specific message.
var (
	// ErrNotVRSFile is returned when a file's magic values or header
	// sizes fail the sanity checks.
	ErrNotVRSFile = errors.New("not a VRS file")
	// ErrUnsupportedVersion is returned for files written with a file
	// format version this library does not know.
	ErrUnsupportedVersion = errors.New("unsupported file format version")
	// ErrIndexCorrupt is returned when the index record is missing,
	// truncated, or inconsistent, and a rebuild also failed.
	ErrIndexCorrupt = errors.New("index record corrupt")
	// ErrCompression is returned when a codec fails outright, or when a
	// budgeted frame would exceed its byte budget.
	ErrCompression = errors.New("compression error")
	// ErrDuplicateStream is returned when a stream id is registered twice
	// on the same writer.
	ErrDuplicateStream = errors.New("duplicate stream id")
	// ErrMissingLayout is returned when a record format declares a
	// data_layout block with no layout definition at that block index.
	ErrMissingLayout = errors.New("missing data layout definition")
	// ErrTagsFrozen is returned when file tags are modified after the
	// file was created.
	ErrTagsFrozen = errors.New("file tags can no longer be changed")
	// ErrClosed is returned for operations on a closed handler or writer.
	ErrClosed = errors.New("file not open")
	// ErrInvalidSpec is returned when a file spec string cannot be
	// resolved to a file handler.
	ErrInvalidSpec = errors.New("invalid file spec")
	// ErrHandlerMismatch is returned when a spec names a file handler
	// that is not registered.
	ErrHandlerMismatch = errors.New("no file handler for spec")
	// ErrInvalidRecord is returned when a record header fails
	// plausibility checks during reads or index rebuild.
	ErrInvalidRecord = errors.New("invalid record header")
)

// Numeric code ranges for tools that report integer statuses. 0 is
// success and positive values are OS errno values; each library category
// gets its own negative range so a code is enough to classify a failure.
const (
	codeFileFormatBase  = -100
	codeIndexBase       = -200
	codeCompressionBase = -300
	codeHandlerBase     = -400
)

// Code translates an error to an integer status code.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	switch {
	case errors.Is(err, ErrNotVRSFile):
		return codeFileFormatBase - 1
	case errors.Is(err, ErrUnsupportedVersion):
		return codeFileFormatBase - 2
	case errors.Is(err, ErrInvalidRecord):
		return codeFileFormatBase - 3
	case errors.Is(err, ErrTagsFrozen):
		return codeFileFormatBase - 4
	case errors.Is(err, ErrIndexCorrupt):
		return codeIndexBase - 1
	case errors.Is(err, ErrCompression):
		return codeCompressionBase - 1
	case errors.Is(err, ErrClosed):
		return codeHandlerBase - 1
	case errors.Is(err, ErrInvalidSpec):
		return codeHandlerBase - 2
	case errors.Is(err, ErrHandlerMismatch):
		return codeHandlerBase - 3
	case errors.Is(err, ErrDuplicateStream):
		return codeFileFormatBase - 5
	case errors.Is(err, ErrMissingLayout):
		return codeFileFormatBase - 6
	}
	return -1
}

// CodeMessage returns the human message for an error code produced by Code.
func CodeMessage(code int) string {
	switch {
	case code == 0:
		return "success"
	case code > 0:
		return syscall.Errno(code).Error()
	case code == codeFileFormatBase-1:
		return "not a VRS file"
	case code == codeFileFormatBase-2:
		return "unsupported file format version"
	case code == codeFileFormatBase-3:
		return "invalid record header"
	case code == codeFileFormatBase-4:
		return "file tags can no longer be changed"
	case code == codeFileFormatBase-5:
		return "duplicate stream id"
	case code == codeFileFormatBase-6:
		return "missing data layout definition"
	case code == codeIndexBase-1:
		return "index record corrupt"
	case code == codeCompressionBase-1:
		return "compression error"
	case code == codeHandlerBase-1:
		return "file not open"
	case code == codeHandlerBase-2:
		return "invalid file spec"
	case code == codeHandlerBase-3:
		return "no file handler for spec"
	}
	return fmt.Sprintf("unknown error %d", code)
}
