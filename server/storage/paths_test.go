package storage

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestCanonicalizePath(t *testing.T) {
	valid := map[string]string{
		"/a/b":           "/a/b",
		"a/b":            "/a/b",
		"/a/b/":          "/a/b",
		"/dir/file.txt":  "/dir/file.txt",
		"/under_score/x": "/under_score/x",
		"/UPPER/1234":    "/UPPER/1234",
	}
	for in, want := range valid {
		got, err := CanonicalizePath(in)
		if err != nil {
			t.Errorf("CanonicalizePath(%q): unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("CanonicalizePath(%q) = %q, want %q", in, got, want)
		}
	}

	invalid := []string{
		"",
		"/",
		"//",
		"/a//b",
		"/a/../b",
		"/./a",
		"/a/b c",
		"/a/%2e%2e",
		"/só/unicode",
	}
	for _, in := range invalid {
		if _, err := CanonicalizePath(in); err == nil {
			t.Errorf("CanonicalizePath(%q): expected error", in)
		}
	}
}

func TestBlobDataPath(t *testing.T) {
	dgst := digest.FromBytes([]byte("hello"))
	hex := dgst.Encoded()

	want := "blobs/" + hex[:2] + "/" + hex[2:]
	if got := blobDataPath(dgst); got != want {
		t.Fatalf("blobDataPath = %q, want %q", got, want)
	}
}
