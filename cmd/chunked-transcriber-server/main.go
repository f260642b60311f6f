// Package main is the chunked-transcriber HTTP service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/book-expert/logger"

	"github.com/book-expert/chunked-transcriber/internal/assembler"
	"github.com/book-expert/chunked-transcriber/internal/config"
	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/eventstream"
	"github.com/book-expert/chunked-transcriber/internal/httpapi"
	"github.com/book-expert/chunked-transcriber/internal/kvstore"
	"github.com/book-expert/chunked-transcriber/internal/llm"
	"github.com/book-expert/chunked-transcriber/internal/objectstore"
	"github.com/book-expert/chunked-transcriber/internal/parentjobstore"
	"github.com/book-expert/chunked-transcriber/internal/processor"
	"github.com/book-expert/chunked-transcriber/internal/queue"
	"github.com/book-expert/chunked-transcriber/internal/ratelimit"
	"github.com/book-expert/chunked-transcriber/internal/subjobstore"
	"github.com/book-expert/chunked-transcriber/internal/transcription"
	"github.com/book-expert/chunked-transcriber/internal/upload"
)

// readHeaderTimeout bounds how long the HTTP server waits for request
// headers, a defensive default net/http does not apply on its own.
const readHeaderTimeout = 10 * time.Second

// shutdownTimeout bounds graceful HTTP shutdown once a signal is received.
const shutdownTimeout = 15 * time.Second

func setupLogger(logDir string) (*logger.Logger, error) {
	log, err := logger.New(logDir, "chunked-transcriber-server.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func bootstrap() (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to create bootstrap logger: %v\n", err)

		return nil, nil, err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, _, err := config.Load(".")
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	return cfg, bootstrapLog, nil
}

// pipeline holds every wired component the HTTP server dispatches to.
type pipeline struct {
	router *httpapi.Router
	coord  *upload.Coordinator
	conn   *nats.Conn
}

// buildPipeline wires the service's components from cfg: NATS connection, object and
// KV stores, the job stores, the rate limiter, the transcription/LLM
// clients, the event hub, the processor, the assembler, the optional queue
// hand-off, the upload coordinator, and finally the HTTP router.
func buildPipeline(cfg *config.Config, log *logger.Logger) (*pipeline, error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	objStore := objectstore.New(jetstreamContext)

	kvStore, err := kvstore.New(jetstreamContext, cfg.NATS.KVBucket)
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create kv store: %w", err)
	}

	subJobs := subjobstore.New(kvStore)
	parentJobs := parentjobstore.New(kvStore)

	limiter := ratelimit.New(ratelimit.Limits{
		Transcription:   int64(cfg.Service.MaxConcurrentUploads),
		LLM:             int64(cfg.Service.MaxConcurrentUploads),
		JobSpawn:        int64(cfg.Service.MaxConcurrentUploads),
		ChunkProcessing: int64(cfg.Service.MaxConcurrentUploads),
	})

	transcriptionClient := transcription.NewClient(cfg.Transcription.BaseURL, os.Getenv(cfg.Transcription.APIKeyEnv))
	llmClient := llm.NewClient(cfg.LLM.BaseURL, os.Getenv(cfg.LLM.APIKeyEnv), cfg.LLM.Model)

	hub := eventstream.NewHub()

	proc := processor.New(objStore, subJobs, parentJobs, transcriptionClient, llmClient, limiter, hub, log)
	asm := assembler.New(subJobs, parentJobs, llmClient, limiter, hub, log)

	var coordQueue core.MessageQueue
	if cfg.NATS.UseQueue {
		coordQueue = queue.New(natsConnection)
	}

	coord := upload.New(objStore, subJobs, parentJobs, limiter, hub, coordQueue, proc, asm, log, cfg.Transcription.Model)

	router := httpapi.New(coord, proc, hub, log)

	return &pipeline{router: router, coord: coord, conn: natsConnection}, nil
}

// startServer wires the pipeline, launches the optional queue consumer, and
// starts the HTTP server in the background.
func startServer(ctx context.Context, cfg *config.Config, log *logger.Logger) (*http.Server, context.CancelFunc, error) {
	pl, err := buildPipeline(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	serverCtx, serverCancel := context.WithCancel(ctx)

	if cfg.NATS.UseQueue {
		go func() {
			consumeErr := pl.coord.ConsumeQueue(serverCtx)
			if consumeErr != nil {
				log.Error("queue consumer stopped with error: %v", consumeErr)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Service.ListenAddr,
		Handler:           pl.router.Engine(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		defer pl.conn.Close()

		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error("HTTP server stopped with error: %v", serveErr)
			serverCancel()
		}
	}()

	log.System("chunked-transcriber-server successfully initialized, listening on %s", cfg.Service.ListenAddr)

	return httpServer, serverCancel, nil
}

func waitForShutdownSignal(log *logger.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received, gracefully shutting down...")
}

func run() error {
	cfg, bootstrapLog, err := bootstrap()
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg.Logging.LogDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer, serverCancel, err := startServer(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start server: %v", err)

		return err
	}

	waitForShutdownSignal(log)
	serverCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("HTTP server shutdown error: %v", shutdownErr)
	}

	log.Info("Shutdown complete.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
