package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/airylvat/mathletics-bot/bot"
	"github.com/airylvat/mathletics-bot/config"
	"github.com/airylvat/mathletics-bot/logger"
	"github.com/airylvat/mathletics-bot/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logg, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal(err)
	}
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Error("bot stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bot.NewBot(cfg, logg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			logg.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			return metrics.Serve(ctx, cfg.MetricsAddr)
		})
	}
	return g.Wait()
}
