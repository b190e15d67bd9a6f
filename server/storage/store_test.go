package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustPut(t *testing.T, s *Store, path string, version time.Time, payload []byte) FileInfo {
	t.Helper()
	info, err := s.Put(context.Background(), path, version, bytes.NewReader(payload), PutOptions{})
	if err != nil {
		t.Fatalf("error putting %s: %v", path, err)
	}
	return info
}

func mustGet(t *testing.T, s *Store, path string) (FileInfo, []byte) {
	t.Helper()
	info, rc, err := s.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("error opening %s: %v", path, err)
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		t.Fatalf("error decompressing %s: %v", path, err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("error reading %s: %v", path, err)
	}
	return info, payload
}

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("hello")

	info := mustPut(t, s, "/x/y", t0, payload)
	if !info.Version.Equal(t0) {
		t.Errorf("accepted version = %v, want %v", info.Version, t0)
	}

	got, body := mustGet(t, s, "/x/y")
	if !bytes.Equal(body, payload) {
		t.Errorf("round trip = %q, want %q", body, payload)
	}
	if got.LogicalSize != int64(len(payload)) {
		t.Errorf("logical size = %d, want %d", got.LogicalSize, len(payload))
	}
	if got.Digest != digest.FromBytes(payload) {
		t.Errorf("digest = %s, want payload digest", got.Digest)
	}
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("same thing twice")

	first := mustPut(t, s, "/a", t1, payload)
	second := mustPut(t, s, "/a", t1, payload)

	if !second.Version.Equal(first.Version) {
		t.Errorf("repeat put changed version: %v -> %v", first.Version, second.Version)
	}
	if count, _ := s.links.RefCount(first.Digest); count != 1 {
		t.Errorf("refcount after repeat put = %d, want 1", count)
	}
}

func TestPutStaleVersionRetainsNewer(t *testing.T) {
	s := newTestStore(t)

	mustPut(t, s, "/a", t1, []byte("current"))
	info := mustPut(t, s, "/a", t0, []byte("stale"))

	if !info.Version.Equal(t1) {
		t.Errorf("stale put reported version %v, want retained %v", info.Version, t1)
	}

	_, body := mustGet(t, s, "/a")
	if string(body) != "current" {
		t.Errorf("stale put replaced content: %q", body)
	}

	// The losing payload's blob must not survive.
	if ok, _ := s.blobs.Exists(digest.FromString("stale")); ok {
		t.Error("stale put left an orphan blob")
	}
}

func TestDedupSharesOneBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := []byte("shared bytes")
	dgst := digest.FromBytes(payload)

	mustPut(t, s, "/a/b", t0, payload)
	mustPut(t, s, "/a/c", t0, payload)

	if count, _ := s.links.RefCount(dgst); count != 2 {
		t.Fatalf("refcount = %d, want 2", count)
	}

	if _, deleted, err := s.Delete(ctx, "/a/b", t0); err != nil || !deleted {
		t.Fatalf("delete /a/b: deleted=%v err=%v", deleted, err)
	}
	if ok, _ := s.blobs.Exists(dgst); !ok {
		t.Fatal("blob removed while still referenced by /a/c")
	}
	if _, body := mustGet(t, s, "/a/c"); !bytes.Equal(body, payload) {
		t.Fatalf("surviving link unreadable: %q", body)
	}

	if _, deleted, err := s.Delete(ctx, "/a/c", t0); err != nil || !deleted {
		t.Fatalf("delete /a/c: deleted=%v err=%v", deleted, err)
	}
	if ok, _ := s.blobs.Exists(dgst); ok {
		t.Fatal("blob survived its last reference")
	}
}

func TestOverwriteReapsOldBlob(t *testing.T) {
	s := newTestStore(t)

	mustPut(t, s, "/a", t0, []byte("old content"))
	mustPut(t, s, "/a", t1, []byte("new content"))

	if ok, _ := s.blobs.Exists(digest.FromString("old content")); ok {
		t.Error("overwritten blob not reaped")
	}
	if ok, _ := s.blobs.Exists(digest.FromString("new content")); !ok {
		t.Error("new blob missing")
	}
}

func TestPutChecksumMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wrong := digest.FromString("hello")
	_, err := s.Put(ctx, "/a", t0, bytes.NewReader([]byte("world")), PutOptions{ExpectedDigest: wrong})
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if _, ok := err.(ChecksumMismatchError); !ok {
		t.Fatalf("expected ChecksumMismatchError, got %T", err)
	}

	// Neither index nor blob store may change.
	if _, err := s.links.Get("/a"); err != ErrPathUnknown {
		t.Errorf("mismatch created a link: %v", err)
	}
	if ok, _ := s.blobs.Exists(digest.FromString("world")); ok {
		t.Error("mismatch left a blob behind")
	}
}

func TestPutSizeMismatch(t *testing.T) {
	s := newTestStore(t)
	size := int64(99)

	_, err := s.Put(context.Background(), "/a", t0, bytes.NewReader([]byte("tiny")), PutOptions{ExpectedSize: &size})
	if err == nil {
		t.Fatal("expected size mismatch")
	}
	if _, ok := err.(SizeMismatchError); !ok {
		t.Fatalf("expected SizeMismatchError, got %T", err)
	}
}

func TestDeleteUnknownPath(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.Delete(context.Background(), "/nope", t0); err != ErrPathUnknown {
		t.Fatalf("expected ErrPathUnknown, got %v", err)
	}
}

func TestStaleDeleteRetains(t *testing.T) {
	s := newTestStore(t)

	mustPut(t, s, "/a", t1, []byte("kept"))
	info, deleted, err := s.Delete(context.Background(), "/a", t0)
	if err != nil {
		t.Fatalf("error deleting: %v", err)
	}
	if deleted {
		t.Fatal("stale delete removed the link")
	}
	if !info.Version.Equal(t1) {
		t.Errorf("retained version = %v, want %v", info.Version, t1)
	}
}

func TestListCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustPut(t, s, "/dir/old", t0, []byte("old"))
	mustPut(t, s, "/dir/new", t2, []byte("new"))

	var got []string
	err := s.List(ctx, "/dir", t1, func(relPath string, version time.Time) error {
		got = append(got, relPath)
		return nil
	})
	if err != nil {
		t.Fatalf("error listing: %v", err)
	}
	if len(got) != 1 || got[0] != "old" {
		t.Fatalf("list = %v, want [old]", got)
	}
}

func TestConcurrentPutsDistinctPaths(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("contended content")
	dgst := digest.FromBytes(payload)

	var wg sync.WaitGroup
	paths := []string{"/c/0", "/c/1", "/c/2", "/c/3", "/c/4", "/c/5", "/c/6", "/c/7"}
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if _, err := s.Put(context.Background(), p, t0, bytes.NewReader(payload), PutOptions{}); err != nil {
				t.Errorf("error putting %s: %v", p, err)
			}
		}(p)
	}
	wg.Wait()

	if count, _ := s.links.RefCount(dgst); count != int64(len(paths)) {
		t.Fatalf("refcount = %d, want %d", count, len(paths))
	}
	for _, p := range paths {
		if _, body := mustGet(t, s, p); !bytes.Equal(body, payload) {
			t.Fatalf("%s unreadable after concurrent puts", p)
		}
	}
}

func TestConcurrentPutsSamePath(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			version := t0.Add(time.Duration(i) * time.Minute)
			payload := []byte{byte('a' + i)}
			if _, err := s.Put(context.Background(), "/race", version, bytes.NewReader(payload), PutOptions{}); err != nil {
				t.Errorf("error putting: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// The newest version must have won, and exactly one blob remains
	// referenced.
	info, body := mustGet(t, s, "/race")
	if !info.Version.Equal(t0.Add(7 * time.Minute)) {
		t.Errorf("winning version = %v, want %v", info.Version, t0.Add(7*time.Minute))
	}
	if string(body) != "h" {
		t.Errorf("winning content = %q, want %q", body, "h")
	}
	for i := 0; i < 7; i++ {
		if ok, _ := s.blobs.Exists(digest.FromBytes([]byte{byte('a' + i)})); ok {
			t.Errorf("losing blob %c not reaped", 'a'+i)
		}
	}
}

func TestStoreSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustPut(t, s, "/keep", t0, []byte("live"))

	// Simulate a crash between blob promotion and index commit.
	sb, err := s.blobs.Stage(ctx, bytes.NewReader([]byte("orphan")), false)
	if err != nil {
		t.Fatalf("error staging: %v", err)
	}
	if _, err := s.blobs.Promote(ctx, sb); err != nil {
		t.Fatalf("error promoting: %v", err)
	}

	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("error sweeping: %v", err)
	}
	if removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if _, body := mustGet(t, s, "/keep"); string(body) != "live" {
		t.Errorf("sweep damaged live file: %q", body)
	}
}
