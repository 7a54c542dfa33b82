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

	"warm-transfer-platform/internal/agents"
	"warm-transfer-platform/internal/auth"
	"warm-transfer-platform/internal/calls"
	"warm-transfer-platform/internal/config"
	"warm-transfer-platform/internal/gateway"
	"warm-transfer-platform/internal/httpapi"
	"warm-transfer-platform/internal/summary"
	"warm-transfer-platform/internal/transfer"
	"warm-transfer-platform/pkg/logger"
	"warm-transfer-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
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

	livekit, err := gateway.NewLiveKit(gateway.LiveKitOptions{
		Host:      cfg.LiveKit.Host,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
		TokenTTL:  cfg.LiveKit.RoomTokenTTL,
	})
	if err != nil {
		log.Error("livekit init failed", "err", err)
		os.Exit(1)
	}
	// Transient provider failures get a short retry budget before surfacing.
	provider := gateway.WithRetry(livekit)

	var gen summary.Generator
	switch cfg.LLM.Provider {
	case "openai":
		gen, err = summary.NewOpenAI(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIModel)
		if err != nil {
			log.Error("summary init failed", "err", err)
			os.Exit(1)
		}
	default:
		gen = summary.Static{}
	}

	agentSvc := agents.NewService(agents.NewPostgresRepo(db), agents.NewRedisGuard(rdb, cfg.Transfer.AbandonTTL), log)
	callSvc := calls.NewService(calls.NewPostgresRepo(db), agentSvc, provider, calls.Options{
		TokenTTL:       cfg.LiveKit.RoomTokenTTL,
		Staleness:      cfg.Transfer.Staleness,
		AbandonTTL:     cfg.Transfer.AbandonTTL,
		ReaperInterval: cfg.Transfer.ReaperInterval,
	}, log)
	agentSvc.OnReassign(callSvc.HandleAgentOffline)
	callSvc.StartReaper(rootCtx)

	orch := transfer.NewOrchestrator(transfer.NewPostgresRepo(db), callSvc, agentSvc, provider, gen, transfer.Options{
		TokenTTL:        cfg.LiveKit.RoomTokenTTL,
		SummaryTimeout:  cfg.Transfer.SummaryTimeout,
		MaxTransferWait: cfg.Transfer.MaxTransferWait,
	}, log)

	h := httpapi.Handlers{
		Auth:      authManager,
		Agents:    agentSvc,
		Calls:     callSvc,
		Transfers: orch,
		Provider:  provider,
		Rooms:     gateway.NewSnapshotCache(rdb, 3*time.Second),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, h, auth.RequireAccessToken(authManager), db, rdb, provider)

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

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
