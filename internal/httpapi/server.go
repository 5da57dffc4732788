// Package httpapi exposes the Mini App REST surface: draft and schedule
// intake plus identity lookup. Handlers are thin; validation and semantics
// live in intake.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"castdeck/internal/identity"
	"castdeck/internal/intake"
	"castdeck/internal/store"
	"castdeck/pkg/logx"
)

type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

type Server struct {
	cfg      Config
	log      logx.Logger
	intake   *intake.Service
	store    store.Store
	resolver identity.Resolver

	srv *http.Server
	ln  net.Listener
}

func NewServer(cfg Config, in *intake.Service, st store.Store, res identity.Resolver, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), log: log, intake: in, store: st, resolver: res}
	s.srv = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routed mux; tests drive it through httptest.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /me", s.requireUser(s.handleMe))

	mux.HandleFunc("POST /casts", s.requireUser(s.handleCreateDraft))
	mux.HandleFunc("GET /casts", s.requireUser(s.handleListDrafts))
	mux.HandleFunc("GET /casts/{id}", s.requireUser(s.handleGetDraft))
	mux.HandleFunc("PUT /casts/{id}", s.requireUser(s.handleUpdateDraft))
	mux.HandleFunc("DELETE /casts/{id}", s.requireUser(s.handleDeleteDraft))

	mux.HandleFunc("POST /scheduled-casts", s.requireUser(s.handleCreateScheduled))
	mux.HandleFunc("GET /scheduled-casts", s.requireUser(s.handleListScheduled))
	mux.HandleFunc("DELETE /scheduled-casts/{id}", s.requireUser(s.handleCancelScheduled))

	mux.HandleFunc("GET /stats", s.requireUser(s.handleStats))

	return mux
}

// Start binds the listener and serves in the background. Serve errors other
// than a clean shutdown are logged, not returned; the caller watches ctx.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
