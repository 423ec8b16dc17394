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

	"dialer-platform/internal/auth"
	"dialer-platform/internal/callctl"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/cloudvoice"
	"dialer-platform/internal/config"
	"dialer-platform/internal/gateway"
	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/pbx"
	"dialer-platform/pkg/logger"
	"dialer-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	gatewayClient := gateway.NewClient(cfg.Gateway, log)
	pbxService := pbx.NewService(pbx.CLIRunner{
		Bin:     cfg.PBX.Bin,
		UseSudo: cfg.PBX.UseSudo,
		Timeout: cfg.PBX.Timeout,
	}, log)
	cloudVoice := cloudvoice.NewClient(cfg.Dialer, log)

	// No legacy softphone backend is wired in this process; every line runs
	// degraded on the cloud leg alone until one is registered.
	lines := callctl.NewRegistry(func(line string) *callctl.Orchestrator {
		return callctl.New(nil, cloudVoice.NewLeg(), callctl.Hooks{}, callctl.Options{
			CountryCode: cfg.Dialer.CountryCode,
			DialTimeout: cfg.Dialer.DialTimeout,
			Campaign:    cfg.Dialer.DefaultCampaign,
		}, log.With("line", line))
	})

	h := httpapi.Handlers{
		Auth:      authManager,
		Dashboard: cfg.Auth,
		Gateway:   gatewayClient,
		PBX:       pbxService,
		Lines:     lines,
		Calls:     calls.NewStore(db),
		Redis:     rdb,
		Log:       log,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
