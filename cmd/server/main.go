package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"trustlance/internal/config"
	"trustlance/internal/database"
	"trustlance/internal/escrow"
	"trustlance/internal/idempotency"
	"trustlance/internal/jobs"
	"trustlance/internal/logging"
	"trustlance/internal/reviews"
	"trustlance/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	deps := server.Deps{Logger: logger}

	if cfg.Service.DatabaseURL != "" {
		pool, err := database.Open(ctx, database.Config{DSN: cfg.Service.DatabaseURL})
		if err != nil {
			logger.Fatal("database error", zap.Error(err))
		}
		defer pool.Close()

		jobStore, err := jobs.NewPostgresStore(ctx, pool)
		if err != nil {
			logger.Fatal("jobs store error", zap.Error(err))
		}
		reviewStore, err := reviews.NewPostgresStore(ctx, pool)
		if err != nil {
			logger.Fatal("reviews store error", zap.Error(err))
		}
		replays, err := idempotency.NewPostgresStore(ctx, pool)
		if err != nil {
			logger.Fatal("idempotency store error", zap.Error(err))
		}
		deps.Jobs, deps.Reviews, deps.Replays = jobStore, reviewStore, replays
	} else {
		logger.Warn("DATABASE_URL not set, jobs and reviews are kept in memory")
		replays, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			logger.Fatal("idempotency store error", zap.Error(err))
		}
		deps.Jobs, deps.Reviews, deps.Replays = jobs.NewMemoryStore(), reviews.NewMemoryStore(), replays
	}

	if cfg.Chain.RPCURL != "" && cfg.Chain.EscrowAddress != "" {
		rpc, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			logger.Fatal("rpc dial error", zap.Error(err))
		}
		defer rpc.Close()

		ethClient, err := escrow.NewEthClient(rpc, escrow.EthClientConfig{
			ContractAddress: cfg.Chain.EscrowAddress,
			PollInterval:    cfg.Chain.PollInterval,
		})
		if err != nil {
			logger.Fatal("escrow client error", zap.Error(err))
		}
		deps.Chain = ethClient
	}

	if cfg.Service.HMACSecret == "" {
		logger.Warn("HMAC_SECRET not set, request signatures are not checked")
	}

	apiServer := server.NewServer(cfg, deps)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
