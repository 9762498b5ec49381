package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/config"
	"github.com/motus-dao/psychat-backend/internal/handler"
	"github.com/motus-dao/psychat-backend/internal/model/therapist"
	"github.com/motus-dao/psychat-backend/internal/service/ai"
	channelservice "github.com/motus-dao/psychat-backend/internal/service/channel"
	entityservice "github.com/motus-dao/psychat-backend/internal/service/entity"
	"github.com/motus-dao/psychat-backend/internal/service/session"
	verifyservice "github.com/motus-dao/psychat-backend/internal/service/verify"
	"github.com/motus-dao/psychat-backend/internal/store/local"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := local.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("failed to open local store", zap.Error(err))
	}
	defer store.Close()

	profiles := therapist.NewMemoryStore(therapist.Seed())

	entityClient := entityservice.NewClient(cfg.Arkiv, logger)
	if !entityClient.Connected() {
		logger.Warn("entity store endpoint not configured, audit records disabled")
	}

	// Channel transport is optional: without a gateway the service still
	// records turns in the entity store and the local cache.
	var transport *channelservice.Transport
	if cfg.Channel.Enabled() {
		transport = channelservice.NewTransport(cfg.Channel, logger)
		if err := transport.Connect(ctx); err != nil {
			logger.Warn("channel gateway unreachable, continuing without transport", zap.Error(err))
			transport = nil
		} else {
			defer transport.Close()
		}
	} else {
		logger.Warn("channel gateway not configured, encrypted transport disabled")
	}
	channels := channelservice.NewService(transport, store, logger)

	verifier := verifyservice.NewService(cfg.Verify, store, logger)

	var assistant session.Assistant
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, profiles, cfg.AI, logger)
		if err != nil {
			logger.Warn("assistant unavailable, continuing without generated replies", zap.Error(err))
		} else {
			assistant = aiService
			logger.Info("assistant initialized")
		}
	} else {
		logger.Warn("assistant credentials not configured, skipping assistant initialization")
	}

	orchestrator := session.New(entityClient, channels, verifier, assistant, store, profiles, logger)
	go orchestrator.ConsumeInbound(ctx)

	router := handler.NewRouter(orchestrator, verifier, profiles, logger)

	startServer(ctx, cfg.Server, router, logger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("psychat backend listening", zap.String("addr", serverCfg.Addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
