package main

import (
	"mnemo/internal/coordinate"
	"mnemo/internal/mcp"
	"mnemo/internal/ratelimit"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd speaks MCP over stdio
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the memory_* tools over MCP stdio",
	Long: `Starts the MCP server on stdin/stdout.

Point an agent runtime at this command to give it persistent memory:
memory_query, memory_remember, the per-kind entry tools, conversations,
episodes and memory_context are all served from the local database.

Logs go to stderr; stdout carries only protocol frames.`,
	Args: noArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	// The query cache is the expensive one to refill, so it keeps more
	// of its entries under memory pressure.
	coord := coordinate.New(cfg.Cache, cfg.CheckInterval())
	coord.Register("query", svc.query, 6)
	coord.Register("classify", svc.classify, 4)
	coord.Start()
	defer coord.Stop()

	srv := mcp.New(cfg, svc.store, svc.query, svc.capture, svc.detector, coord,
		ratelimit.New(cfg.RateLimiter))

	logger.Info("Serving MCP over stdio",
		zap.String("name", cfg.Name),
		zap.String("version", cfg.Version),
		zap.String("db", cfg.DatabasePath()),
		zap.Bool("semantic", svc.engine != nil))

	// Returns on stdin EOF, SIGINT or SIGTERM.
	return server.ServeStdio(srv.MCP())
}
