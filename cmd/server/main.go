package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/studylock/internal/handlers"
	"github.com/MegaGrindStone/studylock/internal/logging"
	"github.com/MegaGrindStone/studylock/internal/metrics"
	"github.com/MegaGrindStone/studylock/internal/prompt"
	"github.com/MegaGrindStone/studylock/internal/retry"
	"github.com/MegaGrindStone/studylock/internal/services"
	"github.com/MegaGrindStone/studylock/internal/state"
	"github.com/MegaGrindStone/studylock/internal/tutor"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// A missing .env is fine, the environment may already be set.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "studylock")

	cfgFilePath := flag.String("config", os.Getenv("STUDYLOCK_CONFIG"), "path to the config file")
	flag.Parse()
	if *cfgFilePath == "" {
		*cfgFilePath = filepath.Join(appDir, "config.yaml")
	}

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating logger: %w", err))
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, appDir, logger); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config, appDir string, logger *zap.Logger) error {
	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		if err := os.MkdirAll(appDir, 0755); err != nil {
			return fmt.Errorf("error creating data directory: %w", err)
		}
		dbPath = filepath.Join(appDir, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close bolt db", zap.Error(err))
		}
	}()

	m := metrics.New()
	store := state.NewMemory(logger, state.WithPersister(boltDB))
	caller := retry.NewCaller(cfg.Retry, m, logger)
	documents := services.NewDocumentCache(boltDB, cfg.Documents.CacheTTL, logger)
	assembler := prompt.NewAssembler(cfg.Chunker.ChunkSize, cfg.Chunker.MaxTotal)

	orchestrator := tutor.New(store, llm, documents, caller, assembler, m, cfg.Tutor, logger)
	h := handlers.NewMain(orchestrator, store, documents, logger,
		handlers.WithMaxDocumentBytes(cfg.Documents.MaxBytes))

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := h.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to stop streams", zap.Error(err))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", zap.Stringer("signal", sig))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", zap.Error(err))
			}
		}
		// Streams keep running after their requests are gone, wait for them before closing the store.
		if err := h.Shutdown(ctx); err != nil {
			logger.Error("Failed to stop streams", zap.Error(err))
		}
	}
	return nil
}
