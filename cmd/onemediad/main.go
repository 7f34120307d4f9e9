// Package main implements the entry point for a OneMedia node.
// The same binary runs a governing or a brand node; ONEMEDIA_ROLE decides which.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/auth"
	"github.com/RegistryAccord/onemedia-go/internal/config"
	"github.com/RegistryAccord/onemedia-go/internal/event"
	"github.com/RegistryAccord/onemedia-go/internal/media"
	"github.com/RegistryAccord/onemedia-go/internal/server"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/RegistryAccord/onemedia-go/internal/telemetry"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "onemediad",
		Short:         "OneMedia cross-site media sync node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an admin token for this node",
		Long: `Mint an admin request-verification token signed with ONEMEDIA_SECRET.
Pass it as "Authorization: Bearer <token>" to the admin endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			tok, err := auth.NewVerifier(cfg.APIKey, cfg.Secret, cfg.SiteURL).IssueAdminToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "Subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}

// runServe initializes all components, starts the HTTP server, and handles graceful shutdown.
func runServe() error {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Spans go to stderr so they never interleave with the JSON log stream
	_, err = telemetry.InitTracer(telemetry.Options{
		ServiceName: "onemedia-service",
		Version:     version,
		Role:        string(cfg.Role),
		Output:      os.Stderr,
		Pretty:      cfg.IsDev(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
	} else {
		logger.Warn("ONEMEDIA_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}
	defer func() {
		if closer, ok := store.(interface{ Close() }); ok {
			closer.Close()
		}
	}()

	// Initialize content store (S3 or in-memory served at /files/)
	var content media.ContentStore
	if cfg.S3Bucket != "" {
		content, err = media.NewS3Store(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3PublicURL)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 content store: %w", err)
		}
	} else {
		content = media.NewMemoryStore(cfg.SiteURL + "files/")
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL, cfg.SiteURL)
	defer pub.Close()

	mux, err := server.NewMux(cfg, store, content, pub)
	if err != nil {
		return err
	}
	defer mux.Close()

	// Fan-out requests wait on several brand sites in sequence
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "role", cfg.Role, "site", cfg.SiteURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("server exited")
	return nil
}
