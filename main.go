package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"robot-relay/internal/audit"
	"robot-relay/internal/auth"
	"robot-relay/internal/backend"
	"robot-relay/internal/config"
	"robot-relay/internal/observability/metrics"
	relayapp "robot-relay/internal/relay/application"
	relay "robot-relay/internal/relay/domain"
	"robot-relay/internal/relay/infrastructure/memory"
	relayrepo "robot-relay/internal/relay/infrastructure/postgres"
	relayhttp "robot-relay/internal/relay/interfaces/http"
	"robot-relay/internal/transport/mqtt"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.String("config", "", "path to a yaml config file (defaults to $RELAY_CONFIG)")
	pflag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		if err := relayrepo.EnsureSchema(ctx, db); err != nil {
			logger.Fatalf("db schema error: %v", err)
		}
	}
	metrics.Init(db, logger)

	var (
		deadLetters relayapp.DeadLetterStore
		deduper     relayapp.Deduper
		auditLogger audit.Logger
	)
	if db != nil {
		deadLetters = relayrepo.NewDeadLetterStore(db)
		auditRepo := audit.NewRepository(db)
		if err := auditRepo.EnsureSchema(ctx); err != nil {
			logger.Fatalf("audit schema error: %v", err)
		}
		auditLogger = auditRepo
		if cfg.Dedupe.Enabled {
			deduper = relayrepo.NewProcessedStore(db, cfg.Dedupe.Window)
		}
	} else {
		deadLetters = memory.NewDeadLetterStore(cfg.DeadLetterCapacity)
		auditLogger = audit.NewLogLogger(logger)
		if cfg.Dedupe.Enabled {
			deduper = memory.NewDeduper(cfg.Dedupe.Window)
		}
	}

	clientOpts := []backend.Option{backend.WithTimeout(cfg.Backend.Timeout)}
	switch {
	case cfg.Backend.TokenSecret != "":
		tokens, err := auth.NewSignedTokenSource([]byte(cfg.Backend.TokenSecret), cfg.Backend.TokenSubject, "robot-relay", auth.RoleOperator, 0)
		if err != nil {
			logger.Fatalf("backend token error: %v", err)
		}
		clientOpts = append(clientOpts, backend.WithTokenSource(tokens))
	case cfg.Backend.Token != "":
		clientOpts = append(clientOpts, backend.WithTokenSource(auth.StaticTokenSource(cfg.Backend.Token)))
	}
	backendClient, err := backend.NewClient(cfg.Backend.BaseURL, clientOpts...)
	if err != nil {
		logger.Fatalf("backend client error: %v", err)
	}

	session, err := mqtt.Connect(ctx, mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		AutoReconnect:  cfg.MQTT.AutoReconnect,
		CleanSession:   cfg.MQTT.CleanSession,
		EventBuffer:    cfg.MQTT.EventBuffer,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("mqtt connect error: %v", err)
	}
	defer session.Close()
	metrics.SetBrokerConnected(true)

	for _, topic := range relay.InboundTopics() {
		if err := session.Subscribe(ctx, topic, relay.AtLeastOnce); err != nil {
			logger.Fatalf("mqtt subscribe error: topic=%s err=%v", topic, err)
		}
		logger.Printf("subscribed: topic=%s", topic)
	}

	retry := relayapp.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}
	dispatcher, err := relayapp.NewDispatcher(backendClient, session,
		relayapp.WithPollInterval(cfg.Dispatch.PollInterval),
		relayapp.WithCommandDelay(cfg.Dispatch.CommandDelay),
		relayapp.WithDispatchRetry(retry),
		relayapp.WithDispatchDeadLetters(deadLetters),
		relayapp.WithDispatchLogger(logger),
	)
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}

	relayOpts := []relayapp.RelayOption{
		relayapp.WithRelayRetry(retry),
		relayapp.WithRelayDeadLetters(deadLetters),
		relayapp.WithRelayLogger(logger),
	}
	if deduper != nil {
		relayOpts = append(relayOpts, relayapp.WithDeduper(deduper))
	}
	feedbackRelay, err := relayapp.NewRelay(session.Events(), backendClient, relayOpts...)
	if err != nil {
		logger.Fatalf("relay error: %v", err)
	}

	clientIP, err := audit.NewClientIPResolver(cfg.Ops.TrustedProxies)
	if err != nil {
		logger.Fatalf("trusted proxies error: %v", err)
	}
	opsHandler, err := relayhttp.NewHandler(deadLetters, dispatcher, auditLogger, logger, relayhttp.WithClientIPResolver(clientIP))
	if err != nil {
		logger.Fatalf("ops handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.Ops.JWTSecret), policy)

	mux := http.NewServeMux()
	opsHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !session.Connected() {
			http.Error(w, "broker disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              cfg.Ops.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		return feedbackRelay.Run(groupCtx)
	})
	if pruner, ok := deduper.(relayapp.Pruner); ok {
		group.Go(func() error {
			return relayapp.RunPruner(groupCtx, pruner, cfg.Dedupe.Window, logger)
		})
	}
	group.Go(func() error {
		logger.Printf("http listening on %s", cfg.Ops.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		if errors.Is(err, relayapp.ErrStreamClosed) {
			logger.Fatalf("mqtt event stream closed: %v", err)
		}
		logger.Fatalf("relay stopped: %v", err)
	}
	logger.Printf("relay stopped")
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
