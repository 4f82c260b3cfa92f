package squashfs

import (
	"errors"
	"fmt"
)

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")
)

// Kind classifies a pipeline error so callers (and the CLI) can decide
// whether it is skippable (in default, non-strict mode) or always fatal.
type Kind int

const (
	// KindInputRead covers I/O errors reading the tar stream from stdin.
	KindInputRead Kind = iota
	// KindTarFormat covers malformed records, bad checksums, invalid
	// sparse maps, and paths that escape the archive root.
	KindTarFormat
	// KindUnsupportedXattr covers an xattr whose prefix squashfs does not
	// recognize (anything other than user./trusted./security.).
	KindUnsupportedXattr
	// KindOutputIO covers write/read_at/truncate failures on the output sink.
	KindOutputIO
	// KindCompressorInit covers failures configuring a compressor: an unknown
	// name, a compressor with no registered handler, or rejected -X options.
	KindCompressorInit
	// KindCompressorRuntime covers failures during compress/decompress calls.
	KindCompressorRuntime
	// KindInternal covers invariant violations that indicate a bug.
	KindInternal
	// KindResourceExhaustion covers allocation or queue-capacity failures.
	KindResourceExhaustion
)

func (k Kind) String() string {
	switch k {
	case KindInputRead:
		return "InputRead"
	case KindTarFormat:
		return "TarFormat"
	case KindUnsupportedXattr:
		return "UnsupportedXattr"
	case KindOutputIO:
		return "OutputIO"
	case KindCompressorInit:
		return "CompressorInit"
	case KindCompressorRuntime:
		return "CompressorRuntime"
	case KindInternal:
		return "Internal"
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Skippable reports whether errors of this kind are, by default policy,
// skipped with a warning rather than treated as fatal.
func (k Kind) Skippable() bool {
	switch k {
	case KindTarFormat, KindUnsupportedXattr:
		return true
	default:
		return false
	}
}

// Error is a pipeline error tagged with a Kind and, when applicable, the
// name of the tar entry that triggered it.
type Error struct {
	Kind  Kind
	Entry string // tar entry path, empty if not entry-specific
	Err   error
}

func (e *Error) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Entry, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a Kind-tagged error with no associated entry name.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewEntryError builds a Kind-tagged error naming the offending tar entry.
func NewEntryError(kind Kind, entry string, err error) *Error {
	return &Error{Kind: kind, Entry: entry, Err: err}
}
