package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpadp "estatefund-escrow/internal/adapter/http"
	adminmw "estatefund-escrow/internal/adapter/middleware"
	"estatefund-escrow/internal/adapter/provider"
	"estatefund-escrow/internal/adapter/repository/mysql"
	"estatefund-escrow/internal/config"
	"estatefund-escrow/internal/infrastructure/cache"
	infradb "estatefund-escrow/internal/infrastructure/db"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/infrastructure/metrics"
	"estatefund-escrow/internal/usecase/anomaly"
	"estatefund-escrow/internal/usecase/escrow"
	"estatefund-escrow/internal/usecase/funding"
	"estatefund-escrow/internal/usecase/idempotency"
	"estatefund-escrow/internal/usecase/reconcile"
	"estatefund-escrow/internal/usecase/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	lg, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := infradb.OpenGorm(cfg.MySQLDSN())
	if err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := infradb.Migrate(gdb); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = cache.OpenRedis(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			// the durable ledger check still deduplicates; only the fast path and admin replay are lost
			lg.Warn("redis unavailable, continuing without it", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// usecases
	u := mysql.NewGormUoW(gdb)
	rep := anomaly.NewReporter(lg.Named("anomaly"), m)
	mgr := escrow.NewManager(cfg.EscrowCurrency, lg.Named("escrow"), m, rep)
	upd := funding.NewUpdater(lg.Named("funding"), rep)
	guard := idempotency.NewGuard(rdb, cfg.WebhookDedupeTTL, lg.Named("idempotency"))
	rec := reconcile.NewReconciler(u, guard, upd, mgr, lg.Named("reconcile"), m)

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	refunds := provider.NewRefundRouter(provider.NewManualRefunder(lg.Named("refund")))
	if cfg.StripeAPIKey != "" {
		refunds.Route("stripe", provider.NewStripeRefunder(cfg.StripeAPIKey))
	}
	orch := settlement.NewOrchestrator(u, mgr, upd, refunds, lg.Named("settlement"), m)

	// http
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = httpadp.NewValidator()
	e.IPExtractor = echo.ExtractIPFromXFFHeader()
	e.Use(middleware.Logger(), middleware.Recover(), m.Middleware())

	h := httpadp.NewHandler(sqlDB)
	wh := httpadp.NewWebhookHandler(providers, rec, u, cfg.WebhookTimeout, lg.Named("webhook"), m)
	eh := httpadp.NewEscrowHandler(orch, lg.Named("escrow_api"))

	e.GET("/health", h.Health)
	e.GET("/ready", h.Ready)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	e.POST("/webhooks/:provider", wh.Receive)
	e.GET("/projects/:project_id/funding-status", eh.FundingStatus)

	admin := e.Group("/admin", adminmw.AdminKeyAuth(cfg.AdminTokens))
	admin.POST("/projects/:project_id/escrow/actions", eh.Action,
		adminmw.AdminRateLimit(cfg.AdminActionsPerHour),
		adminmw.Idempotency(rdb, cfg.IdempotencyTTL, lg.Named("idempotency")),
	)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.AppPort
		lg.Info("listening", zap.String("addr", addr), zap.String("env", cfg.AppEnv))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// buildProviders registers every provider; allow-lists are enforced only in
// production.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	enforce := cfg.IsProduction()
	reg := provider.NewRegistry()

	tpayPolicy, err := provider.NewSourcePolicy(cfg.TpayAllowedSources, enforce)
	if err != nil {
		return nil, err
	}
	reg.Register(provider.NewTpay(cfg.TpayMerchantID, cfg.TpaySecurityCode), tpayPolicy)

	payuPolicy, err := provider.NewSourcePolicy(cfg.PayUAllowedSources, enforce)
	if err != nil {
		return nil, err
	}
	reg.Register(provider.NewPayU(cfg.PayUSecondKey), payuPolicy)

	stripePolicy, err := provider.NewSourcePolicy(cfg.StripeAllowedSources, enforce && len(cfg.StripeAllowedSources) > 0)
	if err != nil {
		return nil, err
	}
	reg.Register(provider.NewStripe(cfg.StripeWebhookSecret), stripePolicy)
	return reg, nil
}
