// Package bootstrap owns application startup, lifecycle and shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avi5/internal/config"
	"avi5/pkg/logging"
	"avi5/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the core dependencies shared by every runner.
type App struct {
	Cfg    *config.Config
	Logger *logging.ZapLogger

	tel *telemetry.Telemetry
}

// NewApp loads configuration and initialises logging and telemetry.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("avi5")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	return &App{
		Cfg:    cfg,
		Logger: logger,
		tel:    tel,
	}, nil
}

// Runner is a long-running component driven by the application lifecycle.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until a termination signal arrives or
// a runner fails. The context handed to runners is cancelled on either.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application")
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.close()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

func (a *App) close() {
	if a.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	_ = a.Logger.Sync()
}
