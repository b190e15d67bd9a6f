package storage

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/sio2project/filetracker/internal/dcontext"
)

// copyBufferSize bounds the streaming memory per upload while staging.
const copyBufferSize = 64 * 1024

// StagedBlob is the result of streaming an upload into the staging area:
// the payload's identity and logical size, and a temp file holding its
// gzip-compressed bytes. A staged blob must be either promoted into the
// blob store or discarded.
type StagedBlob struct {
	Digest digest.Digest
	Size   int64

	tmpPath   string
	discarded bool
}

// Discard removes the staging temp file. Safe to call after a failed
// promote or on an abandoned upload; promoting consumes the temp file and
// makes Discard a no-op.
func (sb *StagedBlob) Discard(ctx context.Context) {
	if sb.discarded {
		return
	}
	sb.discarded = true

	if err := os.Remove(sb.tmpPath); err != nil && !os.IsNotExist(err) {
		dcontext.GetLogger(ctx).Errorf("error removing staged blob %s: %v", sb.tmpPath, err)
	}
}

// stage consumes the payload stream in a single pass, computing the SHA-256
// and length of the decompressed bytes while writing the gzip-compressed
// form to tmp. When gzipEncoded is set the incoming bytes are stored
// verbatim and decompressed on the fly for hashing; otherwise they are
// hashed raw and compressed on the way to disk. Memory is bounded by
// copyBufferSize either way.
func stage(r io.Reader, tmp *os.File, gzipEncoded bool) (digest.Digest, int64, error) {
	digester := digest.Canonical.Digester()
	buf := make([]byte, copyBufferSize)

	var size int64
	if gzipEncoded {
		zr, err := gzip.NewReader(io.TeeReader(r, tmp))
		if err != nil {
			return "", 0, CorruptPayloadError{Err: err}
		}

		size, err = io.CopyBuffer(digester.Hash(), zr, buf)
		if err != nil {
			var payloadErr error = err
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				payloadErr = fmt.Errorf("decompressing payload: %w", err)
			}
			return "", 0, CorruptPayloadError{Err: payloadErr}
		}

		if err := zr.Close(); err != nil {
			return "", 0, CorruptPayloadError{Err: err}
		}
	} else {
		zw := gzip.NewWriter(tmp)

		var err error
		size, err = io.CopyBuffer(io.MultiWriter(zw, digester.Hash()), r, buf)
		if err != nil {
			return "", 0, err
		}

		if err := zw.Close(); err != nil {
			return "", 0, err
		}
	}

	// The blob file must be durable before its name becomes visible under
	// the digest.
	if err := tmp.Sync(); err != nil {
		return "", 0, err
	}

	return digester.Digest(), size, nil
}
