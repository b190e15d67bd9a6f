package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sio2project/filetracker/internal/dcontext"
	"github.com/sio2project/filetracker/server/storage"
)

// listFlushInterval is how many emitted lines may accumulate before the
// response is flushed to the client.
const listFlushInterval = 256

// handleList serves GET /list/{path}?last_modified=... : a plain-text
// enumeration, one prefix-stripped path per line, of links under the
// directory whose version is strictly older than the cutoff. Lines stream
// as the scan proceeds; ordering is whatever the index yields.
func (app *App) handleList(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	cutoff, ok := requiredVersionParam(w, r)
	if !ok {
		return
	}

	dir := strings.TrimPrefix(r.URL.Path, "/list")
	if dir != "/" && dir != "" {
		var err error
		dir, err = storage.CanonicalizePath(dir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		dir = "/"
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var pending int
	err := app.store.List(ctx, dir, cutoff, func(relPath string, _ time.Time) error {
		if _, err := w.Write([]byte(relPath + "\n")); err != nil {
			return err
		}
		pending++
		if pending >= listFlushInterval && flusher != nil {
			flusher.Flush()
			pending = 0
		}
		return nil
	})
	if err != nil {
		// The status line is out; the most we can do is cut the stream.
		dcontext.GetLogger(ctx).Errorf("error listing %s: %v", dir, err)
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}
