package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/iobaixas/nack/config"
	"github.com/iobaixas/nack/pool"
)

// HttpServer fronts a pool.Pool with a plain net/http server, proxying
// every request through pool.Proxy. It exists only to exercise the
// pool end to end from a real HTTP listener; it carries none of the
// engine's own invariants.
type HttpServer struct {
	host   string
	port   int
	server *http.Server
	log    *zap.Logger
	pool   *pool.Pool
}

// New builds an HttpServer bound to cfg's host/port, optionally
// upgrading to HTTP/2 cleartext when cfg.H2c is set.
func New(cfg config.HttpConfig, p *pool.Pool, log *zap.Logger) *HttpServer {
	mux := http.NewServeMux()
	s := &HttpServer{host: cfg.Host, port: cfg.Port, log: log, pool: p}
	mux.HandleFunc("/", s.handleProxy)

	var handler http.Handler = mux
	if cfg.H2c {
		handler = h2c.NewHandler(mux, &http2.Server{})
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
	}

	return s
}

func (s *HttpServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Proxy(r.Context(), r, w); err != nil {
		s.log.Error("proxy failed", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

// Serve blocks, listening on cfg.Host:cfg.Port until the server is
// closed via Shutdown. ctx bounds only the listen call; cancelling it
// afterwards does not stop Serve.
func (s *HttpServer) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		s.log.Error("failed to listen", zap.Error(err))
		return err
	}

	s.log.Info("listening", zap.String("address", listener.Addr().String()))

	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.log.Error("failed to serve", zap.Error(err))
		return err
	}

	return nil
}

// Shutdown gracefully drains in-flight requests before closing the
// listener.
func (s *HttpServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Error("failed to shutdown", zap.Error(err))
		return err
	}
	return nil
}
