package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/IsmailKharoub/silence-relay/internal/config"
	"github.com/IsmailKharoub/silence-relay/internal/logging"
	"github.com/IsmailKharoub/silence-relay/internal/relay"
	"github.com/IsmailKharoub/silence-relay/internal/server"
	"github.com/IsmailKharoub/silence-relay/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The relay cannot operate without durable queuing.
	store, err := storage.New(ctx, cfg.RedisURL, cfg.MessageTTL(), logger)
	if err != nil {
		logger.Fatal("queue store unavailable", zap.Error(err))
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(promReg)

	registry := relay.NewRegistry()
	router, err := relay.NewRouter(relay.RouterConfig{
		Log:      logger,
		Registry: registry,
		Store:    store,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Fatal("build router", zap.Error(err))
	}

	sessions, err := relay.NewSessions(relay.SessionsConfig{
		Log:      logger,
		Registry: registry,
		Router:   router,
		Store:    store,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Fatal("build session manager", zap.Error(err))
	}

	srv := server.NewRelayServer(cfg, logger, sessions, promReg)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
