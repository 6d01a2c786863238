// Package webapi is the device's local HTTP interface: status, per-bearer
// configuration and control, firmware upload and time.
//
// Bearer operations travel over the bus control topics of each connection
// manager, so handlers never touch manager state directly.
package webapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"devicelink-go/bus"
	"devicelink-go/services/ota"
	"devicelink-go/services/status"
	"devicelink-go/x/clock"
)

const DefaultAddress = ":8080"

// Snapshotter is satisfied by *status.Aggregator.
type Snapshotter interface {
	Snapshot() status.Snapshot
}

// Updater is satisfied by *ota.Pipeline.
type Updater interface {
	Receive(ctx context.Context, req ota.Request) (ota.Result, error)
}

// BuildInfo is reported on the status endpoint.
type BuildInfo struct {
	Version string
	Time    string
}

// Options configures the server. Zero values get conservative defaults.
type Options struct {
	Addr              string
	Bearers           []string
	Build             BuildInfo
	RequestTimeout    time.Duration // bus round trips
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
}

type Server struct {
	http    *http.Server
	mux     *http.ServeMux
	conn    *bus.Connection
	status  Snapshotter
	updater Updater
	bearers map[string]bool
	opts    Options
	log     *slog.Logger
}

func New(conn *bus.Connection, st Snapshotter, up Updater, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		mux:     http.NewServeMux(),
		conn:    conn,
		status:  st,
		updater: up,
		bearers: map[string]bool{},
		opts:    opts,
		log:     opts.Logger.With("component", "webapi"),
	}
	for _, b := range opts.Bearers {
		s.bearers[b] = true
	}
	s.registerRoutes()
	// No write timeout: firmware uploads stream for as long as they take.
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.withLogging(s.mux),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }
	s.log.Info("listening", "addr", l.Addr().String())
	if err := s.http.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Shutdown stops the server gracefully, waiting up to ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.opts.Clock.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.code,
			"took", s.opts.Clock.Now().Sub(start))
	})
}
