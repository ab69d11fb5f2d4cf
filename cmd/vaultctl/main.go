package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/cli"
	"github.com/radieske/vault-settlement/internal/shared/config"
	"github.com/radieske/vault-settlement/internal/shared/logger"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vaultctl"
	}
	level := cfg.LogLevel
	if level == "" {
		level = "warn" // logs vão para stderr; a saída do comando fica limpa
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, level)
	if err != nil {
		log = zap.NewNop()
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCommand(cli.DefaultEnv(cfg, log)).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
