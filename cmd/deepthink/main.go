// deepthink MCP server - orchestrates a deep-thinking workflow for a
// host LLM over stdio. The server never calls an LLM itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/deepthink-mcp/deepthink/pkg/cleanup"
	"github.com/deepthink-mcp/deepthink/pkg/config"
	"github.com/deepthink-mcp/deepthink/pkg/database"
	"github.com/deepthink-mcp/deepthink/pkg/flow"
	"github.com/deepthink-mcp/deepthink/pkg/server"
	"github.com/deepthink-mcp/deepthink/pkg/session"
	"github.com/deepthink-mcp/deepthink/pkg/store"
	"github.com/deepthink-mcp/deepthink/pkg/template"
	"github.com/deepthink-mcp/deepthink/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("DEEPTHINK_CONFIG", ""),
		"Path to deepthink.yaml (empty: built-in flows and templates only)")
	logLevel := flag.String("log-level",
		getEnv("LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	validateOnly := flag.Bool("validate", false,
		"Validate configuration and exit")
	flag.Parse()

	// MCP owns stdout; all logging goes to stderr.
	setupLogging(*logLevel)

	if *configPath != "" {
		envPath := filepath.Join(filepath.Dir(*configPath), ".env")
		if err := godotenv.Load(envPath); err == nil {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	slog.Info("Starting deepthink", "version", version.Full(), "config", *configPath)

	snapshot, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Fprintf(os.Stderr, "configuration valid: %d flows, %d templates\n",
			len(snapshot.Flows), len(snapshot.Templates))
		os.Exit(0)
	}

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, database.Config{Path: snapshot.Settings.DatabasePath})
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", snapshot.Settings.DatabasePath)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "path", snapshot.Settings.DatabasePath)

	holder := config.NewHolder(snapshot)

	sessionStore := store.NewSessionStore(dbClient.DB())
	sessions, err := session.NewManager(
		sessionStore,
		snapshot.Settings.SessionCacheSize,
		snapshot.Settings.MaxSessions,
		time.Duration(snapshot.Settings.SessionTimeoutMinutes)*time.Minute,
	)
	if err != nil {
		slog.Error("Failed to create session manager", "error", err)
		os.Exit(1)
	}

	templates, err := template.NewManager(holder)
	if err != nil {
		slog.Error("Failed to create template manager", "error", err)
		os.Exit(1)
	}

	sweep := cleanup.NewService(sessions,
		time.Duration(snapshot.Settings.SweepIntervalSeconds)*time.Second)
	sweep.Start(ctx)
	defer sweep.Stop()

	handlers := server.NewHandlers(holder, sessions, templates, flow.NewEngine())
	mcpServer := server.New(handlers)

	slog.Info("Serving MCP over stdio")
	if err := server.ServeStdio(mcpServer); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
