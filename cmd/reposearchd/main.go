package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/EUDAT-DTR/DTR-sub002/config"
	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/docbuilder"
	"github.com/EUDAT-DTR/DTR-sub002/index"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/reindex"
	"github.com/EUDAT-DTR/DTR-sub002/search"
	"github.com/EUDAT-DTR/DTR-sub002/server"
	"github.com/EUDAT-DTR/DTR-sub002/snapshot"
	"github.com/EUDAT-DTR/DTR-sub002/syncer"
	"github.com/EUDAT-DTR/DTR-sub002/txlog"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Use a temporary logger for pre-config errors
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.Engine.DataDir == "" {
		logger.Error("Engine data_dir must be specified in the configuration file.")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Engine.DataDir, 0755); err != nil {
		logger.Error("Failed to create data directory", "path", cfg.Engine.DataDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Using data directory", "path", cfg.Engine.DataDir)

	store, err := objectstore.OpenBadger(filepath.Join(cfg.Engine.DataDir, "objects"), logger)
	if err != nil {
		logger.Error("Failed to open object store", "error", err)
		os.Exit(1)
	}

	// The transaction log is appended to by the hosting repository: either
	// a JSON-lines file it maintains, or an in-process log when embedded.
	var log txlog.Log
	if cfg.Sync.TxLogPath != "" {
		log, err = txlog.OpenFileLog(cfg.Sync.TxLogPath, logger)
		if err != nil {
			logger.Error("Failed to open transaction log", "path", cfg.Sync.TxLogPath, "error", err)
			store.Close()
			os.Exit(1)
		}
	} else {
		log = txlog.NewMemLog()
	}

	marks := core.NewWatermarks()
	builder := &docbuilder.AttributeBuilder{}
	indexDir := filepath.Join(cfg.Engine.DataDir, "index")
	factory := func() (index.Engine, error) {
		return index.Open(indexDir, logger)
	}

	// The commit callback persists the scan status, but the syncer needs
	// the registry first. persist is bound after NewSyncer.
	var persist func()
	registry, err := snapshot.NewRegistry(factory, marks, snapshot.Options{
		MinReopenInterval: config.ParseDuration(cfg.Engine.MinReopenInterval, time.Second, logger),
		MaxReopenInterval: config.ParseDuration(cfg.Engine.MaxReopenInterval, 60*time.Second, logger),
		CommitInterval:    config.ParseDuration(cfg.Engine.CommitInterval, 30*time.Second, logger),
		OnCommit: func() {
			if persist != nil {
				persist()
			}
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("Failed to open index", "error", err)
		store.Close()
		os.Exit(1)
	}

	peerClient := server.NewPeerClient(logger)
	syncEngine, err := syncer.NewSyncer(log, store, builder, registry, marks, peerClient, nil, syncer.Options{
		RepoID:                     cfg.Server.RepoID,
		BatchSize:                  cfg.Engine.BatchSize,
		UpdateInterval:             config.ParseDuration(cfg.Sync.UpdateInterval, 2*time.Second, logger),
		BigUpdateInterval:          config.ParseDuration(cfg.Sync.BigUpdateInterval, 120*time.Second, logger),
		SuppressFile:               cfg.Engine.SuppressFile,
		StatusPath:                 filepath.Join(cfg.Engine.DataDir, "scanstatus.json"),
		FederationEnabled:          cfg.Federation.Enabled,
		FederationConfigObjectID:   cfg.Federation.ConfigObjectID,
		FederationTargetsAttribute: cfg.Federation.TargetsAttribute,
		Logger:                     logger,
	})
	if err != nil {
		logger.Error("Failed to create sync engine", "error", err)
		registry.Stop()
		store.Close()
		os.Exit(1)
	}
	persist = syncEngine.PersistScanStatus

	sweeper := reindex.NewSweeper(registry, store, builder, cfg.Server.RepoID, cfg.Sync.ReindexWorkers, logger)

	// The permission predicate belongs to the hosting repository; nothing
	// is plugged in here, so filtering is governed by insecure_search.
	coordinator := search.NewCoordinator(registry, syncEngine, nil, peerClient, syncEngine.Targets, search.Options{
		Insecure: cfg.Security.InsecureSearch,
		Logger:   logger,
	})

	tcpServer := server.NewTCPServer(coordinator, syncEngine, sweeper, log, store, cfg.Server.RepoID, logger)

	var metricSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricSrv = server.NewMetricsServer(cfg.Metrics.ListenAddress, logger)
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
	}

	registry.Start()
	syncEngine.Start()

	// The startup sweep must be joined before the registry stops, or a
	// fast shutdown would race it against the closing snapshot machinery.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWg sync.WaitGroup
	if cfg.Sync.ReindexOnStartup {
		sweepWg.Add(1)
		go func() {
			defer sweepWg.Done()
			n, err := sweeper.Sweep(sweepCtx)
			if err != nil {
				logger.Error("Startup reindex sweep failed", "error", err)
				return
			}
			logger.Info("Startup reindex sweep finished.", "rebuilt", n)
		}()
	}

	lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		logger.Error("Failed to listen", "address", cfg.Server.ListenAddress, "error", err)
		sweepCancel()
		sweepWg.Wait()
		syncEngine.Stop()
		registry.Stop()
		store.Close()
		os.Exit(1)
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- tcpServer.Start(lis)
	}()

	// Stop order matters: no new requests, then no new index writes, then
	// a final commit, then the store. Once-guarded so an accept-loop error
	// and a signal cannot both run it.
	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			tcpServer.Stop()
			sweepCancel()
			sweepWg.Wait()
			syncEngine.Stop()
			registry.Stop()
			if err := store.Close(); err != nil {
				logger.Error("Closing object store failed", "error", err)
			}
			if metricSrv != nil {
				metricSrv.Stop()
			}
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")
	select {
	case err := <-serverErrChan:
		if err != nil {
			logger.Error("Server exited with an error", "error", err)
		}
		shutdown()
	case <-quit:
		logger.Info("Shutdown signal received. Stopping server...")
		shutdown()
		<-serverErrChan
	}
	logger.Info("Application exited gracefully.")
}
