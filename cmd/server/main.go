package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/internal/tools"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the YAML configuration file")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync version %s\n", version)
		os.Exit(0)
	}

	// stdout carries the control protocol
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version":  version,
		"accounts": cfg.AccountNames(),
	}).Info("Starting mailsync")

	st, err := store.NewStore(cfg.DatabasePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	hub := notify.NewHub(logger)
	stager := email.NewStager(cfg.StagingDir, logger)
	dialers := func(acc *config.AccountConfig) email.Dialer {
		return email.NewIMAPDialer(acc, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := daemon.NewManager(cfg, st, hub, stager, dialers, logger)
	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync daemon")
	}
	defer manager.Close()

	mcp.Version = version
	server := mcp.NewServer(tools.NewRegistry(manager, st, logger), hub, os.Stdin, os.Stdout, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Control server error")
		} else {
			logger.Info("Control input closed")
		}
	}
	cancel()

	logger.Info("Shutting down mailsync")
}
