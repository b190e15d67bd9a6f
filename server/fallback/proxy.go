// Package fallback implements read-through access to a legacy origin for
// paths the local store does not know yet. It is a migration aid: PUT and
// DELETE never consult it, and it never populates the local store.
package fallback

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sio2project/filetracker/internal/dcontext"
	prometheus "github.com/sio2project/filetracker/metrics"
)

var (
	requests       = prometheus.FallbackNamespace.NewCounter("requests", "The number of local misses consulted against the origin")
	hits           = prometheus.FallbackNamespace.NewCounter("hits", "The number of fallback requests served by the origin")
	upstreamErrors = prometheus.FallbackNamespace.NewCounter("errors", "The number of fallback requests that failed against the origin")
)

// forwardedHeaders are the origin response headers propagated to the client
// in passthrough mode.
var forwardedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Last-Modified",
	"Logical-Size",
	"ETag",
}

// Proxy serves GET and HEAD misses from a legacy origin, either by
// redirecting the client or by streaming the origin response through.
type Proxy struct {
	base        *url.URL
	client      *http.Client
	passthrough bool
}

// New builds a Proxy for the origin base URL. With passthrough unset the
// proxy answers misses with a 307 redirect, which clients must follow.
func New(rawURL string, passthrough bool) (*Proxy, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	return &Proxy{
		base:        base,
		client:      &http.Client{Timeout: 5 * time.Minute},
		passthrough: passthrough,
	}, nil
}

// TryServe attempts to answer a local miss for path from the origin. It
// returns true when a response (success, redirect or upstream failure) has
// been written, and false when the origin does not have the file either and
// the caller should produce its own 404.
func (p *Proxy) TryServe(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) bool {
	requests.Inc()

	target := p.originURL(path)
	if !p.passthrough {
		hits.Inc()
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return true
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, nil)
	if err != nil {
		upstreamErrors.Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return true
	}
	req.Header.Set("Accept-Encoding", r.Header.Get("Accept-Encoding"))

	resp, err := p.client.Do(req)
	if err != nil {
		upstreamErrors.Inc()
		dcontext.GetLogger(ctx).Errorf("fallback: error reaching origin %s: %v", target, err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false
	case resp.StatusCode != http.StatusOK:
		upstreamErrors.Inc()
		dcontext.GetLogger(ctx).Errorf("fallback: origin %s answered %d", target, resp.StatusCode)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return true
	}

	hits.Inc()
	for _, name := range forwardedHeaders {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, resp.Body); err != nil {
			dcontext.GetLogger(ctx).Errorf("fallback: error streaming origin response: %v", err)
		}
	}
	return true
}

// originURL joins the configured base with the canonical path. The base
// carries any prefix the origin expects (e.g. ".../files").
func (p *Proxy) originURL(path string) string {
	return strings.TrimSuffix(p.base.String(), "/") + path
}
