package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IsmailKharoub/silence-relay/internal/config"
	"github.com/IsmailKharoub/silence-relay/internal/relay"
)

// RelayServer hosts the session endpoint and the liveness probe, plus an
// optional admin listener for metrics.
type RelayServer struct {
	cfg      config.Config
	log      *zap.Logger
	sessions *relay.Sessions
	promReg  *prometheus.Registry
	upgrader websocket.Upgrader

	httpSrv  *http.Server
	adminSrv *http.Server
	ready    atomic.Bool
}

// NewRelayServer wires the HTTP surface around the session lifecycle.
func NewRelayServer(cfg config.Config, logger *zap.Logger, sessions *relay.Sessions, promReg *prometheus.Registry) *RelayServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		sessions: sessions,
		promReg:  promReg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Payloads are end-to-end encrypted; origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *RelayServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/ws/{userID}", s.handleSession)
	return r
}

// Start boots the relay endpoints and blocks until shutdown.
func (s *RelayServer) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.BindAddress,
		Handler: s.routes(),
		// Sessions inherit this context, so cancelling it unblocks every
		// live connection during shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.startAdminServer()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay server listening", zap.String("address", s.cfg.BindAddress))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *RelayServer) handleSession(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "userID")
	if err := validateIdentity(identity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		s.log.Warn("websocket upgrade failed", zap.String("identity", identity), zap.Error(err))
		return
	}

	transport := newWSTransport(conn)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go transport.pingLoop(ctx, s.log)

	if err := s.sessions.Run(ctx, identity, transport); err != nil {
		s.log.Warn("session ended with error", zap.String("identity", identity), zap.Error(err))
	}
}

func (s *RelayServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	promReg := s.promReg
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminSrv = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminSrv != nil {
		if err := s.adminSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("relay server stopped")
}

const maxIdentityLen = 128

func validateIdentity(identity string) error {
	if identity == "" {
		return errors.New("identity required")
	}
	if len(identity) > maxIdentityLen {
		return errors.New("identity too long")
	}
	for _, r := range identity {
		if r <= ' ' || r == 0x7f {
			return errors.New("identity contains invalid characters")
		}
	}
	return nil
}
