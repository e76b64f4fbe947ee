// Package app wires the workspace database, config, oracle and engine together
// for the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"

	"civictrack/internal/config"
	"civictrack/internal/db"
	"civictrack/internal/engine"
	"civictrack/internal/intake"
	"civictrack/internal/migrate"
	"civictrack/internal/oracle"
)

type Options struct {
	Workspace string
	// ConfigFile overrides <workspace>/civictrack.yml.
	ConfigFile string
	// AnthropicKey enables the hosted oracle when the config asks for it.
	AnthropicKey string
	Log          *slog.Logger
}

// App is an opened workspace.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Gateway *intake.Gateway
	Log     *slog.Logger
}

// Bootstrap opens and migrates the workspace database, loads config and builds the engine.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	adapter := oracle.NewAdapter(NewBackend(cfg.Oracle, opts.AnthropicKey, log), cfg.Oracle.Timeout(), log)
	e := engine.New(conn, cfg, adapter, log)

	var tr intake.Transcriber
	if url := strings.TrimSpace(cfg.Voice.TranscriberURL); url != "" {
		tr = intake.NewHTTPTranscriber(url, cfg.Voice.Timeout())
	}
	return &App{
		DB:      conn,
		Config:  cfg,
		Engine:  e,
		Gateway: intake.NewGateway(e, adapter, tr, log),
		Log:     log,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.FromFile(opts.ConfigFile)
	}
	return config.LoadOptional(opts.Workspace)
}

// NewBackend picks the hosted model when configured and a key is present, else the
// keyword classifier.
func NewBackend(cfg config.OracleConfig, apiKey string, log *slog.Logger) oracle.Backend {
	if strings.EqualFold(cfg.Provider, "anthropic") {
		if apiKey != "" {
			return oracle.NewAnthropicBackend(cfg.Model, cfg.MaxTokens, option.WithAPIKey(apiKey))
		}
		log.Warn("oracle provider is anthropic but no API key is set; using offline classifier")
	}
	return oracle.NewOfflineBackend(cfg.Keywords)
}

type LogConfig struct {
	Level  string
	Format string
	Output io.Writer
}

// NewLogger builds a slog logger; format is "text" (default) or "json".
func NewLogger(cfg LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(out, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
