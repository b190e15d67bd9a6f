package storage

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrPathUnknown is returned when no link exists for the requested path.
	ErrPathUnknown = errors.New("path unknown")

	// ErrBlobUnknown is returned when a blob file is absent from the blob
	// store.
	ErrBlobUnknown = errors.New("blob unknown")
)

// InvalidPathError is returned when a client-supplied path fails
// canonicalization.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (err InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", err.Path, err.Reason)
}

// ChecksumMismatchError is returned when the SHA256-Checksum header does not
// match the digest computed from the uploaded payload.
type ChecksumMismatchError struct {
	Expected digest.Digest
	Computed digest.Digest
}

func (err ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, computed %s", err.Expected, err.Computed)
}

// SizeMismatchError is returned when the Logical-Size header does not match
// the decompressed length of the uploaded payload.
type SizeMismatchError struct {
	Expected int64
	Computed int64
}

func (err SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: expected %d bytes, got %d", err.Expected, err.Computed)
}

// CorruptPayloadError is returned when a gzip-encoded upload cannot be
// decompressed.
type CorruptPayloadError struct {
	Err error
}

func (err CorruptPayloadError) Error() string {
	return fmt.Sprintf("corrupt payload: %v", err.Err)
}

func (err CorruptPayloadError) Unwrap() error {
	return err.Err
}
