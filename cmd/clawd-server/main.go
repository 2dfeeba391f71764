// Command clawd-server runs the domain marketplace API: USDC payments on Base
// settled through x402 challenges, and domain registration behind them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noahlevine1717/clawd-domain-marketplace/config"
	"github.com/noahlevine1717/clawd-domain-marketplace/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "clawd-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()

	return a.run(ctx)
}
