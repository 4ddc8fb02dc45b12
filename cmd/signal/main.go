package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"deskrelay/internal/app"
	"deskrelay/pkg/config"
	"deskrelay/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/deskrelay/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string, error) {
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	// No file anywhere: defaults plus environment.
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	_ = godotenv.Load()

	cfg, path, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl := logger.New(cfg.Logging.Level)
	defer zl.Sync()
	sugar := zl.Sugar()
	if path != "" {
		sugar.Infow("loaded config", "path", path)
	} else {
		sugar.Infow("no config file found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := app.NewSignalServer(ctx, cfg, zl, nil)
	if err != nil {
		sugar.Fatalw("failed to build signal server", "error", err)
	}
	server.RunBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("signal server stopped", "error", err)
		}
	case <-ctx.Done():
		sugar.Infow("shutting down signal server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("graceful shutdown failed", "error", err, zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	}
}
