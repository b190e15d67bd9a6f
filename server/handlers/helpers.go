package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sio2project/filetracker/internal/dcontext"
	"github.com/sio2project/filetracker/server/storage"
)

// httpDateLayouts are the accepted spellings of an RFC 2822 date. The first
// is canonical and used for formatting.
var httpDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
}

// parseHTTPDate parses an RFC 2822 date with second resolution.
func parseHTTPDate(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range httpDateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.Truncate(time.Second), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// formatHTTPDate renders t as the canonical RFC 2822 spelling, in UTC.
func formatHTTPDate(t time.Time) string {
	return t.UTC().Format(time.RFC1123Z)
}

// requiredVersionParam extracts and parses the last_modified query
// parameter. A missing or malformed value yields a 400 and false.
func requiredVersionParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	value := r.URL.Query().Get("last_modified")
	if value == "" {
		http.Error(w, "last_modified parameter is required", http.StatusBadRequest)
		return time.Time{}, false
	}

	t, err := parseHTTPDate(value)
	if err != nil {
		http.Error(w, "malformed last_modified parameter", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

// filePath strips the route prefix and canonicalizes the remainder. A
// failed canonicalization yields a 400 and false.
func filePath(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	p, err := storage.CanonicalizePath(strings.TrimPrefix(r.URL.Path, prefix))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return p, true
}

// writeStorageError maps a storage error to its response status. Stale
// versions are not errors and never reach this function.
func writeStorageError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrPathUnknown), errors.Is(err, storage.ErrBlobUnknown):
		http.Error(w, "not found", http.StatusNotFound)
	case isBadPayload(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		dcontext.GetLogger(ctx).Errorf("storage error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func isBadPayload(err error) bool {
	switch err.(type) {
	case storage.InvalidPathError, storage.ChecksumMismatchError, storage.SizeMismatchError, storage.CorruptPayloadError:
		return true
	}
	return false
}

// clientAcceptsGzip reports whether the request allows a gzip-encoded
// response body.
func clientAcceptsGzip(r *http.Request) bool {
	for _, spec := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		encoding, _, _ := strings.Cut(strings.TrimSpace(spec), ";")
		if encoding == "gzip" || encoding == "*" {
			return true
		}
	}
	return false
}
