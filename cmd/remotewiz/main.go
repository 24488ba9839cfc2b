package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kolapsis/remotewiz/internal/adapter"
	"github.com/kolapsis/remotewiz/internal/audit"
	"github.com/kolapsis/remotewiz/internal/config"
	"github.com/kolapsis/remotewiz/internal/engine"
	"github.com/kolapsis/remotewiz/internal/gateway"
	"github.com/kolapsis/remotewiz/internal/httpapi"
	"github.com/kolapsis/remotewiz/internal/mcpadapter"
	"github.com/kolapsis/remotewiz/internal/session"
	"github.com/kolapsis/remotewiz/internal/store"
	"github.com/kolapsis/remotewiz/internal/summarize"
	"github.com/kolapsis/remotewiz/internal/supervisor"
	"github.com/kolapsis/remotewiz/internal/tunnel"
	"github.com/kolapsis/remotewiz/internal/upload"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("remotewiz %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: remotewiz <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the RemoteWiz gateway\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting remotewiz",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"projects", len(cfg.Projects))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("configuration is valid (%d projects)\n", len(cfg.Projects))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var stdout slog.Handler
	if cfg.Server.LogFormat == "text" {
		stdout = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	} else {
		stdout = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	handlers := []slog.Handler{stdout}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite store ---
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	log := audit.New(db)
	projects := cfg.ProjectList()

	// --- Uploads ---
	uploads, err := upload.New(cfg.Uploads.Root, db, log)
	if err != nil {
		return fmt.Errorf("upload root: %w", err)
	}

	// --- Engine ---
	bus := adapter.NewBus()
	sup := supervisor.New(db, log, cfg.Execution)
	sessions := session.New(db)

	var summarizer summarize.Summarizer
	if cfg.Execution.SummarizerEnabled {
		summarizer = summarize.Digest{}
	}

	eng := engine.New(db, log, bus, sup, sessions, summarizer, projects, cfg.Execution)
	eng.Uploads = uploads

	gw := gateway.New(db, log, eng, uploads, projects, cfg.Execution)

	// --- Adapters ---
	if cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is empty, all HTTP API requests will be rejected")
	}
	api := httpapi.NewServer(gw, cfg.Server.AuthToken)
	bus.Register(httpapi.AdapterTag, api)

	mcpServer := mcpadapter.NewServer(gw, version)
	bus.Register(mcpadapter.AdapterTag, mcpadapter.NewNotifier(mcpServer))
	api.Mount("/mcp", server.NewStreamableHTTPServer(mcpServer))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// --- Tunnel ---
	var listener net.Listener
	if cfg.Tunnel.Enabled {
		tun := tunnel.NewNgrok(cfg.Tunnel.AuthToken, cfg.Tunnel.Domain)
		if _, err := tun.Start(ctx, addr); err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer func() { _ = tun.Close() }()
		listener = tun.Listener()
	}

	eng.Start()
	defer eng.Stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("remotewiz is ready", "addr", addr)
		var err error
		if listener != nil {
			err = srv.Serve(listener)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
