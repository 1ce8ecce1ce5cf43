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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sedaprotocol/seda-overlay-prover/internal/api"
	"github.com/sedaprotocol/seda-overlay-prover/internal/auth"
	"github.com/sedaprotocol/seda-overlay-prover/internal/config"
	"github.com/sedaprotocol/seda-overlay-prover/internal/events"
	"github.com/sedaprotocol/seda-overlay-prover/internal/ledger"
	"github.com/sedaprotocol/seda-overlay-prover/internal/payout"
	"github.com/sedaprotocol/seda-overlay-prover/internal/prover"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Batch prover (genesis seeded on first boot) ───────────────────────────
	prv := prover.New(rdb, cfg.Prover.MaxBatchAge, log)
	if err := prv.Initialize(ctx, cfg.Genesis.Batch()); err != nil {
		if !errors.Is(err, prover.ErrAlreadyInitialized) {
			log.Fatal("genesis init failed", zap.Error(err))
		}
		height, err := prv.LatestHeight(ctx)
		if err != nil {
			log.Fatal("latest height read failed", zap.Error(err))
		}
		log.Info("resuming from existing frontier", zap.Uint64("height", height))
	}

	// ── Payout transferor (operator key → signed transfers) ──────────────────
	transferor, err := payout.NewEthTransferor(cfg.Payout.RPCURL, cfg.Payout.OperatorKey, cfg.Payout.ChainID, log)
	if err != nil {
		log.Fatal("payout init failed", zap.Error(err))
	}

	// ── Settlement core ───────────────────────────────────────────────────────
	minGasPrice, err := cfg.Ledger.MinGasPriceInt()
	if err != nil {
		log.Fatal("invalid MIN_GAS_PRICE", zap.Error(err))
	}
	limits := ledger.Limits{
		MinGasPrice:      minGasPrice,
		MinExecGasLimit:  cfg.Ledger.MinExecGasLimit,
		MinTallyGasLimit: cfg.Ledger.MinTallyGasLimit,
	}
	sink := events.NewRedisSink(rdb, log)
	core := ledger.NewCore(rdb, prv, transferor, sink, limits, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.NewHandler(core, prv, log).Register(r, auth.Middleware(rdb))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
