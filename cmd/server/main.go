// Command server wires the auth gateway: configuration, stores, the OIDC
// client, the request gate, and the HTTP surface. Business logic lives in the
// internal packages; this file only connects them and owns the lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"printchat/internal/audit"
	"printchat/internal/auth/oidc"
	"printchat/internal/auth/session"
	"printchat/internal/auth/state"
	"printchat/internal/auth/store"
	"printchat/internal/auth/token"
	"printchat/internal/gate"
	gatemetrics "printchat/internal/gate/metrics"
	"printchat/internal/platform/config"
	"printchat/internal/platform/httpserver"
	"printchat/internal/platform/logger"
	"printchat/internal/platform/postgres"
	platformredis "printchat/internal/platform/redis"
	httpapi "printchat/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	// Store selection: redis/postgres when configured, memory otherwise.
	var (
		sessions   store.SessionStore    = store.NewInMemorySessionStore()
		states     store.StateStore      = store.NewInMemoryStateStore()
		tokenCache store.TokenCacheStore = store.NewInMemoryTokenCacheStore()
		users      store.UserStore       = store.NewInMemoryUserStore()
	)
	if rdb != nil {
		sessions = store.NewRedisSessionStore(rdb.Client)
		states = store.NewRedisStateStore(rdb.Client)
		tokenCache = store.NewRedisTokenCacheStore(rdb.Client, cfg.TokenCacheTTL)
	}
	if db != nil {
		users = store.NewPostgresUserStore(db)
	}

	metrics := gatemetrics.New()

	whoami := oidc.NewWhoamiClient(cfg.OIDC.WhoamiURL)
	sessionManager := session.NewManager(session.Options{
		CookieName:           cfg.CookieName,
		AllowInsecureCookies: cfg.AllowInsecureCookies,
		TrustedHeader:        cfg.TrustedHeader,
		BearerAPIAuth:        cfg.BearerAPIAuth,
		TokenCacheTTL:        cfg.TokenCacheTTL,
	}, sessions, users, tokenCache, whoami, log)
	sessionManager.SetMetrics(metrics)

	var stateManager state.Manager
	switch cfg.StateMode {
	case config.StateModeSigned:
		stateManager = state.NewSignedManager(cfg.StateSigningKey)
	default:
		stateManager = state.NewStoreManager(states)
	}

	var oauth httpapi.OIDCClient
	if cfg.OIDC.LoginRequired() {
		client, err := oidc.New(ctx, cfg.OIDC)
		if err != nil {
			return fmt.Errorf("configuring oidc client: %w", err)
		}
		oauth = client
	}

	var auditStore audit.Store
	if len(cfg.KafkaBrokers) > 0 {
		kafkaStore, err := audit.NewKafkaStore(cfg.KafkaBrokers, cfg.AuditTopic, log)
		if err != nil {
			return fmt.Errorf("configuring audit kafka sink: %w", err)
		}
		defer kafkaStore.Close()
		auditStore = kafkaStore
	} else {
		auditStore = audit.NewInMemoryStore(0)
	}
	publisher := audit.NewPublisher(log, 256)
	worker := audit.NewWorker(auditStore, publisher, log)

	requestGate := gate.New(gate.Options{
		AllowedOrigins:      cfg.AllowedOrigins,
		PublicOrigin:        cfg.PublicOrigin,
		ExposeAPI:           cfg.ExposeAPI,
		AdminSecret:         cfg.AdminSecret,
		LoginRequired:       cfg.OIDC.LoginRequired(),
		MessagesBeforeLogin: cfg.MessagesBeforeLogin,
		DisclaimerEnabled:   cfg.DisclaimerEnabled,
	}, sessionManager, gate.NewInMemoryMessageCounter(), metrics, publisher, log)

	handler := httpapi.NewHandler(
		cfg,
		sessionManager,
		stateManager,
		oauth,
		users,
		token.NewService(cfg.JWTSecret, "printchat"),
		publisher,
		log,
	)
	router := httpapi.NewRouter(handler, requestGate.Middleware)

	srv := httpserver.New(cfg.Addr, router)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := httpserver.New(cfg.MetricsAddr, metricsMux)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		log.Info("starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		log.Info("starting metrics server", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
