package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"wishbridge/internal/config"
	"wishbridge/internal/protocol"
	"wishbridge/internal/realtime"
	"wishbridge/internal/session"
	"wishbridge/internal/watcher"
)

func newLogger(cfg config.Log) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func main() {
	configPath := flag.String("config", "", "path to "+config.FileName)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wishbridge: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wishbridge: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Start the runtime. Failing here is fatal: there is nothing to drive.
	sess, err := session.Start(session.Options{
		Program:    cfg.Runtime.Program,
		Args:       cfg.Runtime.Args,
		QueueSize:  cfg.Runtime.QueueSize,
		NoPreamble: !cfg.Runtime.Preamble,
		History:    cfg.Relay.History,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to start runtime", zap.Error(err))
	}

	sess.OnFont(protocol.FontKey, func(desc string) {
		logger.Info("font chosen", zap.String("font", desc))
	})

	for _, script := range cfg.Runtime.Scripts {
		if err := sess.Source(script); err != nil {
			logger.Fatal("failed to source script", zap.String("path", script), zap.Error(err))
		}
	}

	// Re-source scripts when they change on disk.
	var scriptWatch *watcher.Watcher
	if cfg.Runtime.WatchScripts && len(cfg.Runtime.Scripts) > 0 {
		scriptWatch, err = watcher.New(0, func(path string) {
			logger.Info("reloading script", zap.String("path", path))
			if err := sess.Source(path); err != nil {
				logger.Warn("reload failed", zap.String("path", path), zap.Error(err))
			}
		}, logger)
		if err != nil {
			logger.Fatal("failed to create script watcher", zap.Error(err))
		}
		if err := scriptWatch.Watch(cfg.Runtime.Scripts...); err != nil {
			logger.Fatal("failed to watch scripts", zap.Error(err))
		}
	}

	// Relay events to remote observers.
	var httpServer *http.Server
	if cfg.Relay.Enabled {
		httpServer = &http.Server{
			Addr:    cfg.Relay.Addr,
			Handler: realtime.New(sess, logger).Handler(),
		}
		go func() {
			logger.Info("relay listening", zap.String("addr", cfg.Relay.Addr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("relay server error", zap.Error(err))
				sess.End()
			}
		}()
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			sess.End()
		case <-sess.Done():
		}
	}()

	runErr := sess.Run()

	if scriptWatch != nil {
		scriptWatch.Shutdown()
	}
	if httpServer != nil {
		httpServer.Close()
	}

	if runErr != nil {
		logger.Error("runtime failed", zap.Error(runErr))
		logger.Sync()
		os.Exit(1)
	}
}
