// Package server ties the filetracker application to an HTTP listener and
// manages its lifecycle: startup, the optional debug listener, and
// graceful drain on shutdown signals.
package server

import (
	"context"
	_ "expvar"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-metrics"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/sio2project/filetracker/configuration"
	"github.com/sio2project/filetracker/internal/dcontext"
	"github.com/sio2project/filetracker/server/handlers"
)

// A Server represents a complete instance of the filetracker service.
type Server struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
	quit   chan os.Signal
}

// New creates a new server from a context and configuration struct.
func New(ctx context.Context, config *configuration.Configuration) (*Server, error) {
	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return nil, err
	}

	var handler http.Handler = app
	handler = alive("/", handler)
	handler = panicHandler(handler)
	if !config.Log.AccessLog.Disabled {
		handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)
	}

	return &Server{
		config: config,
		app:    app,
		server: &http.Server{Handler: handler},
		quit:   make(chan os.Signal, 1),
	}, nil
}

// ListenAndServe runs the server until a serve error or a termination
// signal, draining in-flight requests within the configured timeout.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.HTTP.Addr)
	if err != nil {
		return err
	}

	if s.config.HTTP.DebugAddr != "" {
		go debugServer(s.config.HTTP.DebugAddr)
	}

	dcontext.GetLogger(s.app).Infof("listening on %v", ln.Addr())

	signal.Notify(s.quit, os.Interrupt, syscall.SIGTERM)
	serveErr := make(chan error)

	go func() {
		serveErr <- s.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case sig := <-s.quit:
		dcontext.GetLogger(s.app).Infof("stopping server after signal %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), s.config.HTTP.DrainTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return err
		}
		return s.app.Close()
	}
}

// panicHandler logs the value of a handler panic and panics again; net/http
// then aborts that request's connection while the process keeps serving.
// Storage errors are handled below this point; anything that reaches here
// is a programming error.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.Panic(fmt.Sprintf("%v", err))
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// alive simply wraps the handler with a route that always returns an http
// 200 response when the path is matched. There is no guarantee of anything
// but that the server is up.
func alive(path string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

// debugServer starts the debug server with pprof, expvar and prometheus
// metrics. The addr should not be exposed externally.
func debugServer(addr string) {
	http.Handle("/metrics", metrics.Handler())
	logrus.Infof("debug server listening %v", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logrus.Fatalf("error listening on debug interface: %v", err)
	}
}
