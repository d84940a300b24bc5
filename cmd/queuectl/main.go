package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Maquiado/queue-bot/internal/cli"
	"github.com/Maquiado/queue-bot/internal/config"
	"github.com/Maquiado/queue-bot/internal/repository"
	"github.com/Maquiado/queue-bot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// CLI 출력은 표준 출력으로, 로그는 경고 이상만
	logger.Init("warn", cfg.Env)
	defer logger.Sync()

	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("STORE_DRIVER=memory: changes are not visible to running workers")
	}

	open := func(_ context.Context) (repository.Store, error) {
		store, err := repository.Open(cfg, logger.Named("store"))
		if err != nil {
			return nil, err
		}
		leases, err := repository.OpenLeaseStore(cfg, store, logger.Named("lease_store"))
		if err != nil {
			store.Close()
			return nil, err
		}
		return repository.WithLeaseStore(store, leases), nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := cli.NewRoot(open, cfg.LeaseName)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
