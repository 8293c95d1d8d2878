package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/config"
	"github.com/nhle/mailsync/internal/engine"
	"github.com/nhle/mailsync/internal/imapsync"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/oauth"
	"github.com/nhle/mailsync/internal/smtpqueue"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mailsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to the configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.DataDir, cfg.VaultDir, filepath.Dir(cfg.DBPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := vault.Open(cfg.VaultDir)
	if err != nil {
		return err
	}

	tokens := oauth.NewManager(v, cfg.TokenRefreshMargin, cfg.NetworkTimeout)
	registry := account.NewRegistry(s, v, tokens)

	var supervisor *engine.Supervisor
	syncEngine := imapsync.NewEngine(s, registry, imapsync.TLSDialer{Timeout: cfg.NetworkTimeout}, cfg, logger,
		func(st model.AccountStatus) { supervisor.RecordStatus(st) })
	dispatcher := smtpqueue.NewDispatcher(s, registry,
		&smtpqueue.SMTPTransport{DialTimeout: cfg.NetworkTimeout}, cfg, logger)
	supervisor = engine.NewSupervisor(s, registry, syncEngine, dispatcher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	supervisor.Stop()

	if err := cfg.Flush(); err != nil {
		logger.Warn("writing config on shutdown", "error", err)
	}
	return nil
}
