package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/sio2project/filetracker/internal/dcontext"
)

// Store is the storage engine: the content-addressed blob store, the
// name-to-blob index, and the lock manager that serializes modifying
// operations per path. It is a process-wide singleton bound to the data
// root at startup.
type Store struct {
	blobs *BlobStore
	links *LinkDB
	locks *KeyedLocker
}

// FileInfo describes a stored file as seen by the HTTP layer.
type FileInfo struct {
	Digest         digest.Digest
	Version        time.Time
	LogicalSize    int64
	Compressed     bool
	CompressedSize int64
}

// PutOptions carries the optional client assertions for an upload.
type PutOptions struct {
	// GzipEncoded marks the request body as gzip-compressed.
	GzipEncoded bool

	// ExpectedDigest, when set, must equal the digest computed from the
	// decompressed payload.
	ExpectedDigest digest.Digest

	// ExpectedSize, when non-nil, must equal the decompressed length.
	ExpectedSize *int64
}

// New opens the storage engine rooted at dataDir, which will contain the
// blobs, staging and db directories.
func New(dataDir string) (*Store, error) {
	blobs, err := NewBlobStore(dataDir)
	if err != nil {
		return nil, err
	}

	dbDir := filepath.Join(dataDir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, err
	}
	links, err := NewLinkDB(dbDir)
	if err != nil {
		return nil, err
	}

	return &Store{
		blobs: blobs,
		links: links,
		locks: NewKeyedLocker(),
	}, nil
}

// Close releases the link database. In-flight operations must have
// drained.
func (s *Store) Close() error {
	return s.links.Close()
}

// Put streams an upload into the store and links it at path if the
// asserted version is newer than the stored one. The body is fully staged
// and verified before any lock is taken, so a slow client cannot starve
// writers on other paths. The returned FileInfo carries the version now
// stored at the path: the accepted one, or the newer retained one on a
// stale write.
func (s *Store) Put(ctx context.Context, path string, version time.Time, body io.Reader, opts PutOptions) (FileInfo, error) {
	sb, err := s.blobs.Stage(ctx, body, opts.GzipEncoded)
	if err != nil {
		return FileInfo{}, err
	}

	if opts.ExpectedDigest != "" && opts.ExpectedDigest != sb.Digest {
		computed := sb.Digest
		sb.Discard(ctx)
		return FileInfo{}, ChecksumMismatchError{Expected: opts.ExpectedDigest, Computed: computed}
	}
	if opts.ExpectedSize != nil && *opts.ExpectedSize != sb.Size {
		computed := sb.Size
		sb.Discard(ctx)
		return FileInfo{}, SizeMismatchError{Expected: *opts.ExpectedSize, Computed: computed}
	}

	rec := LinkRecord{
		Digest:      sb.Digest,
		Version:     version.Unix(),
		LogicalSize: sb.Size,
		Compressed:  true,
	}

	s.locks.Lock(pathKey(path))
	defer s.locks.Unlock(pathKey(path))

	// The digest lock is held from promotion through the index commit so a
	// concurrent reaper cannot unlink the blob between the file appearing
	// and its refcount bump landing.
	dgst := sb.Digest
	res, err := func() (PutResult, error) {
		s.locks.Lock(digestKey(dgst))
		defer s.locks.Unlock(digestKey(dgst))

		if _, err := s.blobs.Promote(ctx, sb); err != nil {
			return PutResult{}, err
		}

		res, err := s.links.PutIfNewer(path, rec)
		if err != nil {
			// The promoted blob may now be an orphan; the startup sweep
			// reclaims it.
			return PutResult{}, err
		}

		if res.Outcome == PutNoOp {
			s.reapLocked(ctx, dgst)
		}
		return res, nil
	}()
	if err != nil {
		return FileInfo{}, err
	}

	if res.PriorUnreferenced {
		s.reap(dcontext.DetachedContext(ctx), res.PriorDigest)
	}

	return fileInfo(res.Current), nil
}

// Delete removes the link at path if version is at least the stored one.
// The returned FileInfo describes the deleted link, or the retained one on
// a stale delete; deleted reports which happened.
func (s *Store) Delete(ctx context.Context, path string, version time.Time) (FileInfo, bool, error) {
	s.locks.Lock(pathKey(path))
	defer s.locks.Unlock(pathKey(path))

	res, err := s.links.DeleteIfNewer(path, version.Unix())
	if err != nil {
		return FileInfo{}, false, err
	}

	if res.Outcome == DeleteDeleted && res.Unreferenced {
		s.reap(dcontext.DetachedContext(ctx), res.Current.Digest)
	}

	return fileInfo(res.Current), res.Outcome == DeleteDeleted, nil
}

// Stat resolves path to its stored metadata. The blob file is opened only to
// read its compressed size; CompressedSize stays zero when it cannot be
// opened.
func (s *Store) Stat(ctx context.Context, path string) (FileInfo, error) {
	rec, err := s.links.Get(path)
	if err != nil {
		return FileInfo{}, err
	}

	info := fileInfo(rec)
	if rc, size, err := s.blobs.Open(rec.Digest); err == nil {
		rc.Close()
		info.CompressedSize = size
	}
	return info, nil
}

// Open resolves path and opens its compressed blob for streaming. Readers
// take no lock; the link lookup is a transactional snapshot, and a lost
// race against an overwrite that reaped the old blob is handled by
// re-resolving once.
func (s *Store) Open(ctx context.Context, path string) (FileInfo, io.ReadCloser, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.links.Get(path)
		if err != nil {
			return FileInfo{}, nil, err
		}

		rc, size, err := s.blobs.Open(rec.Digest)
		if err != nil {
			if errors.Is(err, ErrBlobUnknown) && attempt == 0 {
				continue
			}
			return FileInfo{}, nil, err
		}

		info := fileInfo(rec)
		info.CompressedSize = size
		return info, rc, nil
	}
}

// List enumerates the links under dir whose version is strictly older than
// cutoff, invoking fn with each prefix-stripped path and its version.
// Emission is incremental; memory does not grow with the result set.
func (s *Store) List(ctx context.Context, dir string, cutoff time.Time, fn func(relPath string, version time.Time) error) error {
	return s.links.Walk(dir, cutoff.Unix(), func(relPath string, rec LinkRecord) error {
		return fn(relPath, rec.VersionTime())
	})
}

// Sweep removes blob files with no committed reference and clears the
// staging directory. Call before serving requests.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	return s.blobs.Sweep(ctx, func(dgst digest.Digest) bool {
		referenced, err := s.links.Referenced(dgst)
		if err != nil {
			dcontext.GetLogger(ctx).Errorf("sweep: error checking refcount for %s: %v", dgst, err)
			return true // keep on error
		}
		return referenced
	})
}

// reap unlinks the blob for dgst if its refcount is still zero. The
// refcount is rechecked under the digest lock: a concurrent upload of the
// same content may have revived the digest since the caller's transaction
// committed.
func (s *Store) reap(ctx context.Context, dgst digest.Digest) {
	s.locks.Lock(digestKey(dgst))
	defer s.locks.Unlock(digestKey(dgst))
	s.reapLocked(ctx, dgst)
}

func (s *Store) reapLocked(ctx context.Context, dgst digest.Digest) {
	referenced, err := s.links.Referenced(dgst)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error checking refcount for %s: %v", dgst, err)
		return
	}
	if referenced {
		return
	}

	if err := s.blobs.Unlink(dgst); err != nil && !errors.Is(err, ErrBlobUnknown) {
		dcontext.GetLogger(ctx).Errorf("error unlinking blob %s: %v", dgst, err)
	}
}

func fileInfo(rec LinkRecord) FileInfo {
	return FileInfo{
		Digest:      rec.Digest,
		Version:     rec.VersionTime(),
		LogicalSize: rec.LogicalSize,
		Compressed:  rec.Compressed,
	}
}

func pathKey(path string) string { return "path:" + path }

func digestKey(d digest.Digest) string { return "digest:" + d.String() }
