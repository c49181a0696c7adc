package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/stream"
	"github.com/kozaktomas/face-recognizer/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the Face Recognizer API server.
The server exposes person management, enrollment and single-image recognition
over REST, and live recognition over a websocket at /api/v1/stream.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default from WEB_PORT, 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default from WEB_HOST, 0.0.0.0)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger := loadConfig()
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	ctx := context.Background()
	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.inference.Health(ctx); err != nil {
		logger.Warn().Err(err).Str("url", cfg.Inference.URL).Msg("inference server not reachable, recognition will fail until it is")
	}

	// Warm the cache so the first request does not pay for the load.
	if snap, err := b.cache.Get(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial embedding snapshot load failed")
	} else {
		logger.Info().Int("persons", snap.Len()).Int("embeddings", snap.Count).Msg("embedding snapshot loaded")
	}

	streams := stream.NewManager(b.service, stream.Options{
		MaxSessions:            cfg.Stream.MaxSessions,
		IdleTimeout:            cfg.Stream.IdleTimeout,
		ReapInterval:           cfg.Stream.ReapInterval,
		MaxConsecutiveFailures: cfg.Stream.MaxConsecutiveFailures,
		MaxFrameBytes:          cfg.Stream.MaxFrameBytes,
		Workers:                cfg.Recognition.Workers,
	}, logger)
	if err := streams.StartReaper(); err != nil {
		return fmt.Errorf("starting session reaper: %w", err)
	}

	server := web.NewServer(cfg, b.service, streams, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Recognizer API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	<-shutdownDone
	return nil
}
