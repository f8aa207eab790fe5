package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/satsettle/internal/api"
	"github.com/punchamoorthee/satsettle/internal/auth"
	"github.com/punchamoorthee/satsettle/internal/clock"
	"github.com/punchamoorthee/satsettle/internal/config"
	"github.com/punchamoorthee/satsettle/internal/conversion"
	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/gateway/lightning"
	"github.com/punchamoorthee/satsettle/internal/gateway/mpesa"
	"github.com/punchamoorthee/satsettle/internal/goals"
	"github.com/punchamoorthee/satsettle/internal/ledger"
	"github.com/punchamoorthee/satsettle/internal/logging"
	"github.com/punchamoorthee/satsettle/internal/middleware"
	"github.com/punchamoorthee/satsettle/internal/notify"
	"github.com/punchamoorthee/satsettle/internal/service"
	"github.com/punchamoorthee/satsettle/internal/store"
)

// backend is what both store drivers provide.
type backend interface {
	service.Store
	ledger.Backend
	goals.Store
	Close()
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup()
		return err
	}
	logger := logging.SetupWithLevel(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	db, err := openStore(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	policy, err := conversion.NewPolicy(cfg.SatsPerKES, "KES")
	if err != nil {
		return err
	}

	var notifier notify.Dispatcher = notify.LogDispatcher{Logger: logger}
	if cfg.SMS.Provider == config.SMSProviderAfricasTalking {
		notifier = notify.NewSMS(notify.SMSConfig{
			BaseURL:  cfg.SMS.BaseURL,
			Username: cfg.SMS.Username,
			APIKey:   cfg.SMS.APIKey,
			SenderID: cfg.SMS.SenderID,
		}, nil)
	}

	engine, err := service.NewEngine(service.Config{
		Conversion:        policy,
		DedupWindow:       cfg.DedupWindow,
		MinAmount:         cfg.Mpesa.MinAmount,
		MaxAmount:         cfg.Mpesa.MaxAmount,
		InitiateTimeout:   cfg.Mpesa.InitiateTimeout,
		InvoiceTimeout:    cfg.Lightning.InvoiceTimeout,
		SideEffectTimeout: cfg.SideEffectTimeout,
		DefaultInvoiceKey: cfg.Lightning.DefaultInvoiceKey,
	}, service.Deps{
		Store:  db,
		Ledger: ledger.New(db, ledger.WithRetryHook(metrics.LedgerRetry), ledger.WithLogger(logger)),
		Mpesa: mpesa.NewClient(mpesa.Config{
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			ShortCode:      cfg.Mpesa.ShortCode,
			PassKey:        cfg.Mpesa.PassKey,
			CallbackURL:    cfg.Mpesa.CallbackURL,
		}, nil, clk),
		Lightning: lightning.NewClient(cfg.Lightning.BaseURL, nil),
		Goals:     goals.NewEvaluator(db, notifier, clk),
		Notifier:  notifier,
		Clock:     clk,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	// Drain side effects after the HTTP server stops accepting work.
	defer engine.Wait()

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, 24*time.Hour)
	var idempotency func(http.Handler) http.Handler
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		idempotency = middleware.Idempotency(rdb)
		logger.Info("idempotency keys enabled", "redis_addr", cfg.RedisAddr)
	}

	handler := api.NewHandler(engine, logger, reg)

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.Logging(logger)))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler.Register(r, middleware.RequireActor(jwtManager), idempotency)

	if cfg.StoreDriver == config.DriverMemory {
		logDemoTokens(logger, jwtManager)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// STK push initiation may take up to MPESA_INITIATE_TIMEOUT.
		WriteTimeout: cfg.Mpesa.InitiateTimeout + 15*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (backend, error) {
	if cfg.StoreDriver == config.DriverMemory {
		mem := store.NewMemory(clk)
		if err := seedDemo(ctx, mem); err != nil {
			return nil, err
		}
		logger.Warn("using in-memory store; data is lost on restart")
		return mem, nil
	}

	pg, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

const (
	demoParentID = "demo-parent"
	demoChildID  = "demo-child"
)

func seedDemo(ctx context.Context, mem *store.Memory) error {
	accounts := []*domain.Account{
		{ID: demoParentID, Role: domain.RoleParent, Name: "Demo Parent", Phone: "254712345678"},
		{ID: demoChildID, Role: domain.RoleChild, Name: "Demo Child", ParentID: demoParentID},
	}
	for _, a := range accounts {
		if err := mem.CreateAccount(ctx, a); err != nil {
			return err
		}
	}
	return mem.CreateGoal(ctx, &domain.Goal{AccountID: demoChildID, Name: "Bicycle", TargetSats: 50000, Status: domain.GoalActive})
}

func logDemoTokens(logger *slog.Logger, m *auth.JWTManager) {
	for _, actor := range []domain.Actor{
		{ID: demoParentID, Role: domain.RoleParent},
		{ID: demoChildID, Role: domain.RoleChild},
	} {
		token, err := m.Generate(actor)
		if err != nil {
			logger.Error("cannot mint demo token", "actor", actor.ID, "error", err)
			continue
		}
		logger.Info("demo token", "actor", actor.ID, "role", actor.Role, "token", token)
	}
}
