package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/portracker/portracker/internal/collect"
	"github.com/portracker/portracker/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent and serve the port inventory over HTTP",
	Long:  "Run the agent in the foreground, periodically re-collecting and serving the current port inventory over HTTP until interrupted.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	collector, err := buildCollector()
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	httpapi.New(collector, cfg.PlatformBaseURL, logger).Register(app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pollLoop(ctx, collector)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on :%d", cfg.ListenPort)
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.ListenPort))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("received signal %v, shutting down", sig)
		cancel()
		return app.ShutdownWithTimeout(10 * time.Second)
	}
}

// pollLoop periodically runs a collection pass in the background so the
// agent's source caches stay warm between HTTP requests; it is not
// required for correctness since GetReport/GetPorts collect on demand,
// but keeps the first request after a long idle period fast.
func pollLoop(ctx context.Context, collector *collect.CachedCollector) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := collector.Collect(ctx); err != nil {
				logger.Warn("background collection failed: %v", err)
			}
		}
	}
}
