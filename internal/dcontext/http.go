package dcontext

import (
	"context"
	"net/http"
	"time"

	"github.com/sio2project/filetracker/internal/requestutil"
	"github.com/sio2project/filetracker/internal/uuid"
)

type httpRequestKey string

// WithRequest places the request on the context, along with a generated
// request id and the start time. The fields are stored under this package's
// own key type, so GetRequestLogger and GetRequestID resolve them; plain
// string keys passed to GetLogger do not.
func WithRequest(ctx context.Context, r *http.Request) context.Context {
	ctx = context.WithValue(ctx, httpRequestKey("http.request.id"), uuid.NewString())
	ctx = context.WithValue(ctx, httpRequestKey("http.request.method"), r.Method)
	ctx = context.WithValue(ctx, httpRequestKey("http.request.uri"), r.RequestURI)
	ctx = context.WithValue(ctx, httpRequestKey("http.request.remoteaddr"), requestutil.RemoteAddr(r))
	ctx = context.WithValue(ctx, httpRequestKey("http.request.startedat"), time.Now())
	return ctx
}

// GetRequestID attempts to resolve the current request id, if possible. The
// empty string is returned if it is not available on the context.
func GetRequestID(ctx context.Context) string {
	return GetStringValue(ctx, httpRequestKey("http.request.id"))
}

// GetRequestLogger returns a logger that contains fields from the request in
// the current context. The request is not modified.
func GetRequestLogger(ctx context.Context) Logger {
	return GetLogger(ctx,
		httpRequestKey("http.request.id"),
		httpRequestKey("http.request.method"),
		httpRequestKey("http.request.uri"),
		httpRequestKey("http.request.remoteaddr"))
}

// GetStringValue returns a string value from the context, or "" when absent
// or of a different type.
func GetStringValue(ctx context.Context, key any) (value string) {
	if valuev, ok := ctx.Value(key).(string); ok {
		value = valuev
	}
	return value
}
