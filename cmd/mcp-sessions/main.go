// Package main provides the entry point for the mcp-sessions server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mcpserver "github.com/txn2/mcp-sessions/internal/server"
	"github.com/txn2/mcp-sessions/pkg/platform"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mcp-sessions",
		Short:         "Shared session storage for stateless MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSweepCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the configuration file, or the defaults when none is
// given, and installs the configured logger.
func loadConfig(opts *rootOptions, stderr io.Writer) (*platform.Config, error) {
	cfg := platform.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = platform.LoadConfig(opts.configPath); err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Log, stderr))
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg platform.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// newRegistry returns a registry with the process and runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over streamable HTTP with shared session storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.Address)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Server.Address, err)
			}
			return serve(ctx, cfg, ln, newRegistry())
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address (overrides server.address)")
	return cmd
}

// serve runs the HTTP server on ln until ctx is done, then drains
// in-flight requests within the grace period and stops the platform.
func serve(ctx context.Context, cfg *platform.Config, ln net.Listener, reg *prometheus.Registry) error {
	_, p, err := mcpserver.New(ctx, cfg, platform.WithRegisterer(reg))
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		_ = ln.Close()
		_ = p.Close()
		return fmt.Errorf("starting platform: %w", err)
	}

	srv := &http.Server{
		Handler:           corsMiddleware(mcpserver.NewHandler(p, reg)),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("mcp-sessions listening",
			"address", ln.Addr().String(),
			"backend", p.Store().Backend(),
			"version", mcpserver.Version)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.GracePeriod)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down http: %w", err))
		}
		if err := p.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping platform: %w", err))
		}
		slog.Info("mcp-sessions stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

// corsMiddleware allows browser-based MCP clients to reach the server and
// read the session header.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, X-API-Key, Last-Event-ID")
		h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
		h.Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := platform.New(cmd.Context(), platform.WithConfig(cfg), platform.WithRegisterer(prometheus.NewRegistry()))
			if err != nil {
				return fmt.Errorf("creating platform: %w", err)
			}
			defer func() { _ = p.Close() }()

			n, err := p.Manager().SweepNow(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired sessions\n", n)
			if err != nil {
				return fmt.Errorf("sweeping: %w", err)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcp-sessions version %s\n", mcpserver.Version)
		},
	}
}
