// cannery serves a directory of JSON fixtures over the Model Context Protocol,
// either on the streamable HTTP transport (the default) or over stdio.
//
// Usage:
//
//	cannery serve --dir ./fixtures --addr :8080
//	cannery stdio --dir ./fixtures
//
// Every flag can also be set through a CANNERY_* environment variable; flags
// win when both are given.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/cannery-mcp/cannery"
	"github.com/cannery-mcp/cannery/servers/static"
)

const version = "0.1.0"

type config struct {
	Addr           string `env:"CANNERY_ADDR" envDefault:":8080"`
	Endpoint       string `env:"CANNERY_ENDPOINT" envDefault:"/mcp"`
	Dir            string `env:"CANNERY_DIR" envDefault:"."`
	Watch          bool   `env:"CANNERY_WATCH"`
	EventRetention int    `env:"CANNERY_EVENT_RETENTION"`
	LogLevel       string `env:"CANNERY_LOG_LEVEL" envDefault:"info"`
}

var cfg config

var rootCmd = &cobra.Command{
	Use:     "cannery",
	Short:   "Serve canned MCP fixtures over streamable HTTP or stdio",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve fixtures on the streamable HTTP transport",
	RunE:  runServe,
}

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve fixtures over stdio",
	RunE:  runStdio,
}

func init() {
	// Environment variables provide the flag defaults, so unset flags fall
	// back to CANNERY_* values.
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rootCmd.PersistentFlags().StringVar(&cfg.Dir, "dir", cfg.Dir, "Fixture directory to serve")
	rootCmd.PersistentFlags().BoolVar(&cfg.Watch, "watch", cfg.Watch, "Reload fixtures when the directory changes")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	serveCmd.Flags().StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "HTTP path for the MCP endpoint")
	serveCmd.Flags().IntVar(&cfg.EventRetention, "event-retention", cfg.EventRetention,
		"Maximum events retained per stream for resume, 0 keeps everything")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stdioCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildOptions wires the fixture server (and, when watching, the updaters)
// into server options shared by both transports. The returned cleanup stops
// the watcher, if any.
func buildOptions(logger *slog.Logger) ([]cannery.ServerOption, func(), error) {
	srv, err := static.NewServer(cfg.Dir, static.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	opts := []cannery.ServerOption{
		cannery.WithToolServer(srv),
		cannery.WithResourceServer(srv),
		cannery.WithPromptServer(srv),
		cannery.WithLogger(logger),
	}
	if cfg.EventRetention > 0 {
		opts = append(opts, cannery.WithEventRetention(cfg.EventRetention))
	}

	cleanup := func() {}
	if cfg.Watch {
		watcher, err := static.NewWatcher(srv, static.WithWatcherLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts,
			cannery.WithToolListUpdater(watcher),
			cannery.WithResourceListUpdater(watcher))
		cleanup = func() {
			if err := watcher.Close(); err != nil {
				logger.Error("failed to close watcher", slog.String("err", err.Error()))
			}
		}
	}

	return opts, cleanup, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, cleanup, err := buildOptions(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	mcpServer := cannery.NewStreamableHTTPServer(serverInfo(), opts...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, mcpServer)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.Addr),
			slog.String("endpoint", cfg.Endpoint),
			slog.String("dir", cfg.Dir))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Sessions close first so standalone streams unblock before the HTTP
	// server waits on in-flight requests.
	if err := mcpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to close sessions", slog.String("err", err.Error()))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func runStdio(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, cleanup, err := buildOptions(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := cannery.NewStdIOServer(os.Stdin, os.Stdout, serverInfo(), opts...)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serverInfo() cannery.Info {
	return cannery.Info{Name: "cannery", Version: version}
}

// newLogger writes to stderr so the stdio transport keeps stdout to itself.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
