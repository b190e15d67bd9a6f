package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/sio2project/filetracker/internal/dcontext"
	"github.com/sio2project/filetracker/internal/uuid"
	prometheus "github.com/sio2project/filetracker/metrics"
)

var (
	blobsCreated = prometheus.StorageNamespace.NewCounter("blobs_created", "The number of blob files created")
	dedupHits    = prometheus.StorageNamespace.NewCounter("dedup_hits", "The number of uploads that matched an existing blob")
	blobsRemoved = prometheus.StorageNamespace.NewCounter("blobs_removed", "The number of blob files unlinked")
)

// BlobStore is content-addressed storage of gzip-compressed byte streams on
// a local filesystem, keyed by the SHA-256 of the uncompressed payload. A
// blob file is only visible under its digest after its bytes are durably
// written; rename within the blobs directory is the arbitration primitive
// for concurrent uploads of the same content.
type BlobStore struct {
	root string
}

// NewBlobStore initializes the blobs and staging directories under root.
func NewBlobStore(root string) (*BlobStore, error) {
	for _, dir := range []string{"blobs", "staging"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}

	return &BlobStore{root: root}, nil
}

// Stage streams the payload into a uniquely named temp file in the staging
// directory, computing the digest and logical size on the fly. See stage
// for the compression handling.
func (bs *BlobStore) Stage(ctx context.Context, r io.Reader, gzipEncoded bool) (*StagedBlob, error) {
	tmpPath := filepath.Join(bs.root, "staging", uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	dgst, size, err := stage(r, tmp, gzipEncoded)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if removeErr := os.Remove(tmpPath); removeErr != nil {
			dcontext.GetLogger(ctx).Errorf("error removing staged blob %s: %v", tmpPath, removeErr)
		}
		return nil, err
	}

	return &StagedBlob{Digest: dgst, Size: size, tmpPath: tmpPath}, nil
}

// Promote atomically installs the staged temp file at the digest's
// canonical path, returning whether this call created the blob. If an
// identical blob is already present the temp file is unlinked instead.
// Promotion is idempotent; callers serialize it per digest through the lock
// manager so a racing Unlink cannot observe a half-installed file.
func (bs *BlobStore) Promote(ctx context.Context, sb *StagedBlob) (bool, error) {
	target := bs.path(sb.Digest)

	if _, err := os.Stat(target); err == nil {
		dedupHits.Inc()
		sb.Discard(ctx)
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}

	if err := os.Rename(sb.tmpPath, target); err != nil {
		sb.Discard(ctx)
		return false, err
	}
	sb.discarded = true

	blobsCreated.Inc()
	return true, nil
}

// Open opens the compressed blob for reading, returning the stream and the
// on-disk (compressed) size.
func (bs *BlobStore) Open(dgst digest.Digest) (io.ReadCloser, int64, error) {
	f, err := os.Open(bs.path(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobUnknown
		}
		return nil, 0, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	return f, fi.Size(), nil
}

// Exists reports whether a blob file is present for dgst.
func (bs *BlobStore) Exists(dgst digest.Digest) (bool, error) {
	if _, err := os.Stat(bs.path(dgst)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Unlink removes the blob file for dgst. Callers must hold the digest lock
// and must have confirmed the refcount is zero.
func (bs *BlobStore) Unlink(dgst digest.Digest) error {
	if err := os.Remove(bs.path(dgst)); err != nil {
		if os.IsNotExist(err) {
			return ErrBlobUnknown
		}
		return err
	}

	blobsRemoved.Inc()
	return nil
}

// Sweep walks the blobs directory and removes files whose digest the
// referenced callback rejects, along with any leftover staging temp files.
// Intended for startup, before the store serves requests: a crashed upload
// leaves orphans, never dangling links, so sweeping against the link
// database is safe.
func (bs *BlobStore) Sweep(ctx context.Context, referenced func(digest.Digest) bool) (int, error) {
	staging, err := os.ReadDir(filepath.Join(bs.root, "staging"))
	if err != nil {
		return 0, err
	}
	for _, entry := range staging {
		if err := os.Remove(filepath.Join(bs.root, "staging", entry.Name())); err != nil {
			dcontext.GetLogger(ctx).Warnf("sweep: error removing staged file %s: %v", entry.Name(), err)
		}
	}

	var removed int
	blobRoot := filepath.Join(bs.root, "blobs")
	err = filepath.WalkDir(blobRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(blobRoot, p)
		if err != nil {
			return err
		}
		fanout, tail := filepath.Split(rel)
		hex := filepath.Clean(fanout) + tail

		dgst := digest.NewDigestFromEncoded(digest.Canonical, hex)
		if err := dgst.Validate(); err != nil {
			dcontext.GetLogger(ctx).Warnf("sweep: skipping alien file %s", rel)
			return nil
		}

		if referenced(dgst) {
			return nil
		}

		if err := os.Remove(p); err != nil {
			return err
		}
		dcontext.GetLogger(ctx).Infof("sweep: removed orphan blob %s", dgst)
		removed++
		return nil
	})

	return removed, err
}

func (bs *BlobStore) path(dgst digest.Digest) string {
	return filepath.Join(bs.root, blobDataPath(dgst))
}
