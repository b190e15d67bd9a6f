package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	bolt "go.etcd.io/bbolt"
)

var (
	// linksBucket maps canonical path -> JSON-encoded LinkRecord.
	linksBucket = []byte("links")
	// refsBucket maps digest -> 64-bit big-endian reference count. A digest
	// is present iff its count is positive.
	refsBucket = []byte("refs")
)

// LinkRecord is the value stored for a link: the blob identity, the
// client-asserted version as seconds since the epoch, the decompressed
// length, and whether the stored blob is gzip-encoded.
type LinkRecord struct {
	Digest      digest.Digest `json:"digest"`
	Version     int64         `json:"version"`
	LogicalSize int64         `json:"logical_size"`
	Compressed  bool          `json:"compressed"`
}

// VersionTime returns the record version as a wall-clock instant.
func (rec LinkRecord) VersionTime() time.Time {
	return time.Unix(rec.Version, 0).UTC()
}

// PutOutcome describes what PutIfNewer did.
type PutOutcome int

const (
	// PutCreated means no link existed and one was inserted.
	PutCreated PutOutcome = iota
	// PutReplaced means an older link was overwritten.
	PutReplaced
	// PutNoOp means the stored version was newer or equal and nothing
	// changed.
	PutNoOp
)

// PutResult carries the outcome of PutIfNewer together with the record now
// stored at the path and, on replacement, the fate of the prior digest.
type PutResult struct {
	Outcome PutOutcome

	// Current is the record stored at the path after the operation: the new
	// record on Created/Replaced, the retained one on NoOp.
	Current LinkRecord

	// PriorDigest is the digest displaced by a Replaced outcome, empty when
	// the new record points at the same blob.
	PriorDigest digest.Digest

	// PriorUnreferenced reports that PriorDigest's refcount reached zero in
	// this transaction, making its blob file eligible for removal.
	PriorUnreferenced bool
}

// DeleteOutcome describes what DeleteIfNewer did.
type DeleteOutcome int

const (
	// DeleteDeleted means the link was removed.
	DeleteDeleted DeleteOutcome = iota
	// DeleteNoOp means the stored version was newer and the link was
	// retained.
	DeleteNoOp
)

// DeleteResult carries the outcome of DeleteIfNewer together with the
// affected record.
type DeleteResult struct {
	Outcome DeleteOutcome

	// Current is the removed record on Deleted, the retained one on NoOp.
	Current LinkRecord

	// Unreferenced reports that the removed record's digest refcount reached
	// zero in this transaction.
	Unreferenced bool
}

// LinkDB is the name-to-blob index: a bbolt database holding the links and
// refs buckets, updated transactionally so that every committed state
// satisfies the refcount invariants even across a crash.
type LinkDB struct {
	db *bolt.DB
}

// NewLinkDB opens (creating if needed) the link database under dir.
func NewLinkDB(dir string) (*LinkDB, error) {
	db, err := bolt.Open(filepath.Join(dir, "links.db"), 0o600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{linksBucket, refsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &LinkDB{db: db}, nil
}

// Close releases the underlying database.
func (ldb *LinkDB) Close() error {
	return ldb.db.Close()
}

// Get returns the record for the canonical path, or ErrPathUnknown.
func (ldb *LinkDB) Get(path string) (LinkRecord, error) {
	var rec LinkRecord
	err := ldb.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(linksBucket).Get([]byte(path))
		if raw == nil {
			return ErrPathUnknown
		}
		return decodeRecord(path, raw, &rec)
	})
	return rec, err
}

// PutIfNewer inserts or replaces the link at path in a single transaction,
// maintaining refcounts. A stored version newer than or equal to the new
// record's wins and yields NoOp.
func (ldb *LinkDB) PutIfNewer(path string, rec LinkRecord) (PutResult, error) {
	var res PutResult
	err := ldb.db.Update(func(tx *bolt.Tx) error {
		links := tx.Bucket(linksBucket)
		refs := tx.Bucket(refsBucket)
		key := []byte(path)

		raw := links.Get(key)
		if raw == nil {
			if err := putRecord(links, key, rec); err != nil {
				return err
			}
			if err := adjustRef(refs, rec.Digest, 1); err != nil {
				return err
			}
			res = PutResult{Outcome: PutCreated, Current: rec}
			return nil
		}

		var cur LinkRecord
		if err := decodeRecord(path, raw, &cur); err != nil {
			return err
		}

		if cur.Version >= rec.Version {
			res = PutResult{Outcome: PutNoOp, Current: cur}
			return nil
		}

		if err := putRecord(links, key, rec); err != nil {
			return err
		}
		res = PutResult{Outcome: PutReplaced, Current: rec}

		if cur.Digest != rec.Digest {
			if err := adjustRef(refs, rec.Digest, 1); err != nil {
				return err
			}
			remaining, err := decRef(refs, cur.Digest)
			if err != nil {
				return err
			}
			res.PriorDigest = cur.Digest
			res.PriorUnreferenced = remaining == 0
		}
		return nil
	})
	return res, err
}

// DeleteIfNewer removes the link at path when version is at least the
// stored one, maintaining refcounts. Returns ErrPathUnknown when no link
// exists.
func (ldb *LinkDB) DeleteIfNewer(path string, version int64) (DeleteResult, error) {
	var res DeleteResult
	err := ldb.db.Update(func(tx *bolt.Tx) error {
		links := tx.Bucket(linksBucket)
		key := []byte(path)

		raw := links.Get(key)
		if raw == nil {
			return ErrPathUnknown
		}

		var cur LinkRecord
		if err := decodeRecord(path, raw, &cur); err != nil {
			return err
		}

		if version < cur.Version {
			res = DeleteResult{Outcome: DeleteNoOp, Current: cur}
			return nil
		}

		if err := links.Delete(key); err != nil {
			return err
		}
		remaining, err := decRef(tx.Bucket(refsBucket), cur.Digest)
		if err != nil {
			return err
		}
		res = DeleteResult{Outcome: DeleteDeleted, Current: cur, Unreferenced: remaining == 0}
		return nil
	})
	return res, err
}

// Walk performs a range scan over the links under dir, invoking fn with the
// prefix-stripped path for every record whose version is strictly older
// than cutoff. The scan runs in one read transaction, so each record is
// consistent, though the set as a whole reflects a single instant that
// concurrent writers may have since moved past.
func (ldb *LinkDB) Walk(dir string, cutoff int64, fn func(relPath string, rec LinkRecord) error) error {
	prefix := dir
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	prefixBytes := []byte(prefix)

	return ldb.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(linksBucket).Cursor()
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			var rec LinkRecord
			if err := decodeRecord(string(k), v, &rec); err != nil {
				return err
			}
			if rec.Version >= cutoff {
				continue
			}
			if err := fn(string(k[len(prefixBytes):]), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// RefCount returns the current reference count for dgst, zero when absent.
func (ldb *LinkDB) RefCount(dgst digest.Digest) (int64, error) {
	var count int64
	err := ldb.db.View(func(tx *bolt.Tx) error {
		count = readRef(tx.Bucket(refsBucket), dgst)
		return nil
	})
	return count, err
}

// Referenced reports whether dgst has a positive reference count. Used by
// the startup sweep to distinguish live blobs from crash orphans.
func (ldb *LinkDB) Referenced(dgst digest.Digest) (bool, error) {
	count, err := ldb.RefCount(dgst)
	return count > 0, err
}

func putRecord(b *bolt.Bucket, key []byte, rec LinkRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func decodeRecord(path string, raw []byte, rec *LinkRecord) error {
	if err := json.Unmarshal(raw, rec); err != nil {
		return fmt.Errorf("decoding link record for %q: %w", path, err)
	}
	return nil
}

func readRef(refs *bolt.Bucket, dgst digest.Digest) int64 {
	raw := refs.Get([]byte(dgst))
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func adjustRef(refs *bolt.Bucket, dgst digest.Digest, delta int64) error {
	count := readRef(refs, dgst) + delta
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(count))
	return refs.Put([]byte(dgst), raw[:])
}

// decRef decrements the refcount for dgst, deleting the entry when it
// reaches zero, and returns the remaining count.
func decRef(refs *bolt.Bucket, dgst digest.Digest) (int64, error) {
	count := readRef(refs, dgst) - 1
	if count <= 0 {
		return 0, refs.Delete([]byte(dgst))
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(count))
	return count, refs.Put([]byte(dgst), raw[:])
}
