package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sio2project/filetracker/configuration"
	"github.com/sio2project/filetracker/internal/dcontext"
	"github.com/sio2project/filetracker/internal/uuid"
	prometheus "github.com/sio2project/filetracker/metrics"
	"github.com/sio2project/filetracker/server/fallback"
	"github.com/sio2project/filetracker/server/storage"
	"github.com/sio2project/filetracker/version"
)

var requestCount = prometheus.HTTPNamespace.NewLabeledCounter("requests", "The number of requests handled", "method")

// App is the global filetracker application object. Shared resources are
// placed on this object and are accessible from all requests; it only
// implements ServeHTTP and can be wrapped in other handlers accordingly.
type App struct {
	context.Context

	Config *configuration.Configuration

	// InstanceID is a unique id assigned to the application on each
	// creation. Provides information in the logs to identify restarts.
	InstanceID string

	router   *mux.Router
	store    *storage.Store
	fallback *fallback.Proxy
}

// NewApp opens the storage engine described by config and wires the
// routes, returning an app ready to serve requests.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	app := &App{
		Context:    ctx,
		Config:     config,
		InstanceID: uuid.NewString(),
		router:     mux.NewRouter(),
	}

	// Paths under /files/ and /list/ are opaque keys; the canonicalizer, not
	// the router, decides what is legal.
	app.router.SkipClean(true)

	app.Context = context.WithValue(app.Context, "instance.id", app.InstanceID)
	app.Context = dcontext.WithLogger(app.Context, dcontext.GetLogger(app.Context, "instance.id"))

	store, err := storage.New(config.Storage.RootDirectory)
	if err != nil {
		return nil, fmt.Errorf("error opening storage at %s: %w", config.Storage.RootDirectory, err)
	}
	app.store = store

	if config.Storage.Sweep {
		removed, err := store.Sweep(app.Context)
		if err != nil {
			return nil, fmt.Errorf("error sweeping blob store: %w", err)
		}
		dcontext.GetLogger(app.Context).Infof("startup sweep removed %d orphan blobs", removed)
	}

	if config.Fallback.URL != "" {
		proxy, err := fallback.New(config.Fallback.URL, config.Fallback.Passthrough)
		if err != nil {
			return nil, fmt.Errorf("error configuring fallback url %q: %w", config.Fallback.URL, err)
		}
		app.fallback = proxy
		dcontext.GetLogger(app.Context).Infof("read-through fallback to %s configured", config.Fallback.URL)
	}

	app.router.Path("/version").Methods(http.MethodGet).Handler(app.dispatcher(app.handleVersion))
	app.router.PathPrefix("/files/").Methods(http.MethodGet, http.MethodHead).Handler(app.dispatcher(app.handleGetFile))
	app.router.PathPrefix("/files/").Methods(http.MethodPut).Handler(app.dispatcher(app.handlePutFile))
	app.router.PathPrefix("/files/").Methods(http.MethodDelete).Handler(app.dispatcher(app.handleDeleteFile))
	app.router.PathPrefix("/list/").Methods(http.MethodGet).Handler(app.dispatcher(app.handleList))

	return app, nil
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.
	app.router.ServeHTTP(w, r)
}

// Close releases the app's storage resources. In-flight requests must have
// drained.
func (app *App) Close() error {
	return app.store.Close()
}

// handlerFunc is an App handler with the request-scoped context split out.
type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request)

// dispatcher constructs the per-request context (request id, request-scoped
// logger) around a handler.
func (app *App) dispatcher(handle handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := dcontext.WithRequest(app.Context, r)
		ctx = dcontext.WithLogger(ctx, dcontext.GetRequestLogger(ctx))

		requestCount.WithValues(r.Method).Inc()
		handle(ctx, w, r)
	})
}

func (app *App) handleVersion(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, version.Version())
}
