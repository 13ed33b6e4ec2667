// Command loomd runs the Loom coordination server: it exposes the MCP tool
// surface over stdio, HTTP, or SSE and drives the ticket pipeline in the
// background for as long as the process lives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/server"
	"github.com/loomwork/loom/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		transport  = flag.String("transport", "", "Transport: stdio, http, or sse (default: stdio, or the config file's transport.mode)")
		port       = flag.Int("port", 0, "Port for http/sse transports (default: config file's transport.port, or 8090)")
		mcpOnly    = flag.Bool("mcp-only", false, "Accepted for the MCP-only mode; there is no dashboard, and /events and /healthz are served regardless")
		configPath = flag.String("config", "", "Path to a TOML configuration file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, config.Flags{
		Transport: *transport,
		Port:      *port,
		MCPOnly:   *mcpOnly,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomd: config error: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))

	srv, err := server.New(cfg, logger)
	if err != nil {
		if errors.Is(err, store.ErrMigration) {
			fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
			return 2
		}
		fmt.Fprintf(os.Stderr, "loomd: startup error: %v\n", err)
		return 1
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("loomd starting", "transport", cfg.Transport.Mode, "port", cfg.Transport.Port, "store", cfg.Store.Path)

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "loomd: runtime error: %v\n", err)
		return 3
	}

	logger.Info("loomd stopped")
	return 0
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
