// Command composer runs the page editor.
//
// Usage:
//
//	composer -config composer.yaml      # edit the page served by the configured backend
//	composer -demo                      # edit the built-in demo page
//	composer -demo -mcp-stdio           # expose the editor as MCP tools on stdin/stdout
//	composer -inspect page.html         # print the structure of a rendered page and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagecomposer/composer"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to composer.yaml config file")
	demo := flag.Bool("demo", false, "edit the built-in demo page")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	inspectPath := flag.String("inspect", "", "print the structure of a rendered HTML page and exit")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP tools over stdin/stdout instead of HTTP")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *inspectPath != "" {
		if err := runInspect(logger, *inspectPath); err != nil {
			logger.Error("composer: fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configPath, *demo, *listen)
	if err != nil {
		logger.Error("composer: fatal", "error", err)
		os.Exit(1)
	}
	if err := run(ctx, logger, cfg, *mcpStdio); err != nil {
		logger.Error("composer: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string, demo bool, listen string) (*composer.Config, error) {
	cfg := composer.DefaultConfig()
	if path != "" {
		// Validation runs below, once flags are applied.
		loaded, err := composer.LoadConfig(path)
		if loaded == nil {
			return nil, err
		}
		cfg = loaded
	}
	if demo {
		cfg.Demo = true
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "usage: composer -config <file> | -demo | -inspect <page.html>")
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *composer.Config, mcpStdio bool) error {
	c, err := composer.New(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return err
	}

	if mcpStdio {
		logger.Info("composer: serving MCP on stdio")
		return c.NewMCPServer(version).Run(ctx, &mcp.StdioTransport{})
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("composer: listening", "addr", cfg.Listen, "demo", cfg.Demo)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	logger.Info("composer: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("composer: shutdown", "error", err)
	}
	return nil
}

// runInspect parses a page rendered in edit mode and prints its structure
// as markdown.
func runInspect(logger *slog.Logger, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	cfg := composer.DefaultConfig()
	cfg.Demo = true
	c, err := composer.New(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.LoadMarkup(string(data))
	if err != nil {
		return err
	}
	for _, skipped := range res.Skipped {
		logger.Warn("composer: skipped marker", "error", skipped)
	}
	fmt.Print(c.Report().Markdown())
	return nil
}
