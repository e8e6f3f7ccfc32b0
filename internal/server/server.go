// Package server exposes a gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/atlasgw/atlas/internal/gateway"
)

// maxRequestBytes bounds JSON request bodies. Validate bodies carry command
// output, so this sits above the sandbox output cap.
const maxRequestBytes = 4 << 20

// Server is the atlas HTTP API server.
type Server struct {
	gw     *gateway.Gateway
	srv    *http.Server
	ln     net.Listener
	port   int
	logger *slog.Logger
}

// New binds the configured address and wires the API. The listener is open
// when New returns; Start serves on it.
func New(gw *gateway.Gateway, version string) (*Server, error) {
	cfg := gw.Config.Server
	bind := cfg.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, port, err := listenAutoPort(bind, cfg.Port, gw.Logger)
	if err != nil {
		return nil, fmt.Errorf("binding port: %w", err)
	}

	return &Server{
		gw: gw,
		srv: &http.Server{
			Handler:           Handler(gw, version),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		ln:     ln,
		port:   port,
		logger: gw.Logger,
	}, nil
}

// Handler returns the API with the middleware chain applied.
func Handler(gw *gateway.Gateway, version string) http.Handler {
	var h http.Handler = NewAPI(gw, version).Routes()
	h = maxBody(maxRequestBytes)(h)
	h = apiHeaders(h)
	h = recovery(gw.Logger)(h)
	h = accessLog(gw.Logger)(h)
	h = requestID(h)
	return otelhttp.NewHandler(h, "atlas.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(port)))
	if err == nil {
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		try := port + offset
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(try)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", try)
			return ln, try, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

// Port returns the port the server is bound to.
func (s *Server) Port() int { return s.port }

// Addr returns the listener address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("atlas api starting", "addr", s.Addr(), "preset", s.gw.Manager.Preset().Name)
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. The
// gateway is left open; its owner closes it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.srv.Shutdown(ctx)
}
