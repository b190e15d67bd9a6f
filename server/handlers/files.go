package handlers

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/opencontainers/go-digest"

	"github.com/sio2project/filetracker/internal/dcontext"
	"github.com/sio2project/filetracker/server/storage"
)

// handleGetFile serves GET and HEAD /files/{path}. The stored blob is
// streamed verbatim when the client accepts gzip, and decompressed on the
// fly otherwise; either way memory stays bounded.
func (app *App) handleGetFile(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	p, ok := filePath(w, r, "/files")
	if !ok {
		return
	}
	head := r.Method == http.MethodHead

	var (
		info storage.FileInfo
		body io.ReadCloser
		err  error
	)
	if head {
		info, err = app.store.Stat(ctx, p)
	} else {
		info, body, err = app.store.Open(ctx, p)
	}
	if err != nil {
		if errors.Is(err, storage.ErrPathUnknown) && app.fallback != nil {
			if app.fallback.TryServe(ctx, w, r, p) {
				return
			}
		}
		writeStorageError(ctx, w, err)
		return
	}
	if body != nil {
		defer body.Close()
	}

	etag := `"` + info.Digest.String() + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Logical-Size", strconv.FormatInt(info.LogicalSize, 10))
	w.Header().Set("Last-Modified", formatHTTPDate(info.Version))
	w.Header().Set("Content-Type", "application/octet-stream")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	sendGzip := info.Compressed && clientAcceptsGzip(r)
	if sendGzip {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.FormatInt(info.CompressedSize, 10))
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(info.LogicalSize, 10))
	}

	if head {
		w.WriteHeader(http.StatusOK)
		return
	}

	var src io.Reader = body
	if !sendGzip && info.Compressed {
		zr, err := gzip.NewReader(body)
		if err != nil {
			writeStorageError(ctx, w, err)
			return
		}
		defer zr.Close()
		src = zr
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.CopyBuffer(w, src, make([]byte, copyBufferSize)); err != nil {
		// Response underway; nothing to do but note the broken stream.
		dcontext.GetLogger(ctx).Errorf("error streaming blob %s: %v", info.Digest, err)
	}
}

// handlePutFile serves PUT /files/{path}?last_modified=... . The body is
// staged and verified before the path is locked, and the response carries
// the version now stored at the path whether or not this write won.
func (app *App) handlePutFile(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	p, ok := filePath(w, r, "/files")
	if !ok {
		return
	}
	lastModified, ok := requiredVersionParam(w, r)
	if !ok {
		return
	}

	opts := storage.PutOptions{}
	switch encoding := r.Header.Get("Content-Encoding"); encoding {
	case "", "identity":
	case "gzip":
		opts.GzipEncoded = true
	default:
		http.Error(w, "unsupported content encoding "+strconv.Quote(encoding), http.StatusBadRequest)
		return
	}

	if checksum := r.Header.Get("SHA256-Checksum"); checksum != "" {
		dgst := digest.NewDigestFromEncoded(digest.SHA256, checksum)
		if err := dgst.Validate(); err != nil {
			http.Error(w, "malformed SHA256-Checksum header", http.StatusBadRequest)
			return
		}
		opts.ExpectedDigest = dgst
	}

	if sizeHeader := r.Header.Get("Logical-Size"); sizeHeader != "" {
		size, err := strconv.ParseInt(sizeHeader, 10, 64)
		if err != nil || size < 0 {
			http.Error(w, "malformed Logical-Size header", http.StatusBadRequest)
			return
		}
		opts.ExpectedSize = &size
	}

	info, err := app.store.Put(ctx, p, lastModified, r.Body, opts)
	if err != nil {
		writeStorageError(ctx, w, err)
		return
	}

	w.Header().Set("Last-Modified", formatHTTPDate(info.Version))
	w.WriteHeader(http.StatusOK)
}

// handleDeleteFile serves DELETE /files/{path}?last_modified=... . A stale
// delete is answered 200 with the retained version, mirroring PUT.
func (app *App) handleDeleteFile(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	p, ok := filePath(w, r, "/files")
	if !ok {
		return
	}
	lastModified, ok := requiredVersionParam(w, r)
	if !ok {
		return
	}

	info, deleted, err := app.store.Delete(ctx, p, lastModified)
	if err != nil {
		writeStorageError(ctx, w, err)
		return
	}
	if !deleted {
		dcontext.GetLogger(ctx).Debugf("stale delete of %s retained version %s", p, info.Version)
	}

	w.Header().Set("Last-Modified", formatHTTPDate(info.Version))
	w.WriteHeader(http.StatusOK)
}

// copyBufferSize bounds per-request streaming memory, matching the storage
// layer's staging buffer.
const copyBufferSize = 64 * 1024
