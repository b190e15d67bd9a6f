package storage

import (
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// CanonicalizePath validates a client-supplied path and returns its
// canonical form: a leading slash, "/"-delimited non-empty segments, no "."
// or ".." segments. Paths are compared byte-for-byte after this
// transformation, so it is the only place where normalization may happen.
func CanonicalizePath(p string) (string, error) {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return "", InvalidPathError{Path: p, Reason: "empty"}
	}

	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "" {
			return "", InvalidPathError{Path: p, Reason: "empty segment"}
		}
		if segment == "." || segment == ".." {
			return "", InvalidPathError{Path: p, Reason: "relative segment"}
		}
		for _, r := range segment {
			if !isPathRune(r) {
				return "", InvalidPathError{Path: p, Reason: "illegal character"}
			}
		}
	}

	return "/" + strings.Join(segments, "/"), nil
}

func isPathRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}

// blobDataPath maps a digest to its location under the blobs root, using a
// two-level fan-out on the first byte of the hex digest to keep directory
// sizes bounded.
func blobDataPath(dgst digest.Digest) string {
	hex := dgst.Encoded()
	return path.Join("blobs", hex[:2], hex[2:])
}
