package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
	"github.com/healthkiosk/telehealth-signaling/internal/config"
	"github.com/healthkiosk/telehealth-signaling/internal/consultation"
	"github.com/healthkiosk/telehealth-signaling/internal/httpserver"
	"github.com/healthkiosk/telehealth-signaling/internal/metrics"
	"github.com/healthkiosk/telehealth-signaling/internal/presence"
	"github.com/healthkiosk/telehealth-signaling/internal/redisconn"
	"github.com/healthkiosk/telehealth-signaling/internal/signaling"
	"github.com/healthkiosk/telehealth-signaling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting telehealth-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"redis_enabled", cfg.Redis.Enabled(),
		"consultation_store", cfg.ConsultationStore,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	logStartupSecurityWarnings(logger, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("telehealth-signal exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()
	httpOpts := []httpserver.Option{httpserver.WithMetrics(m.Handler())}

	var (
		tracker presence.Tracker   = presence.NewLocal()
		store   consultation.Store = consultation.NewMemoryStore()
	)
	if cfg.Redis.Enabled() {
		rdb := redisconn.New(cfg.Redis, logger)
		defer rdb.Close()
		tracker = presence.NewRedis(rdb, cfg.PresenceTTL)
		if cfg.ConsultationStore == config.ConsultationStoreRedis {
			store = consultation.NewRedisStore(rdb)
		}
		httpOpts = append(httpOpts, httpserver.WithReadyCheck("redis", rdb.Ping))
	}

	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return fmt.Errorf("configure turn rest: %w", err)
		}
		httpOpts = append(httpOpts, httpserver.WithTURNREST(gen))
	}

	authz, err := signaling.NewAuthorizer(cfg)
	if err != nil {
		return fmt.Errorf("configure signaling auth: %w", err)
	}
	authn, err := auth.NewRequestAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("configure request auth: %w", err)
	}

	relay := signaling.NewRelay(signaling.RelayConfig{
		Presence: tracker,
		Metrics:  m,
		Logger:   logger,
	})
	sigCfg := signaling.ConfigFromEnv(cfg)
	sigCfg.Relay = relay
	sigCfg.Authorizer = authz
	sigCfg.Metrics = m
	sigCfg.Logger = logger
	sig := signaling.NewServer(sigCfg)

	svc := consultation.NewService(consultation.ServiceConfig{
		Store:    store,
		Notifier: relay,
		Metrics:  m,
		Logger:   logger,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpOpts...)
	sig.RegisterRoutes(srv.Mux())
	consultation.NewHandler(svc, authn, logger).RegisterRoutes(srv.Mux())
	presence.RegisterRoutes(srv.Mux(), tracker, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Close signaling first so peers get 1001 before the listener goes away;
	// Shutdown does not wait for hijacked connections.
	sig.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server after shutdown: %w", err)
	}
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info, which
	// `go run` and dev builds carry.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
