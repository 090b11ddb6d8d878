// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hearthware/fleetsync/lib/clock"
	"github.com/hearthware/fleetsync/lib/config"
	"github.com/hearthware/fleetsync/lib/httpserver"
	"github.com/hearthware/fleetsync/lib/process"
	"github.com/hearthware/fleetsync/lib/vault"
	"github.com/hearthware/fleetsync/lib/version"
)

// sweepInterval is how often the background sweeper runs. Replay
// retention only needs to keep pace with the trust window (minutes),
// so a fixed interval is fine.
const sweepInterval = 5 * time.Minute

func main() {
	configPath := pflag.String("config", "", "path to the fleetsync config file")
	showVersion := pflag.Bool("version", false, "print version information and exit")
	pflag.Parse()

	if *showVersion {
		version.Print("fleetsync-service")
		return
	}

	if err := run(*configPath); err != nil {
		process.Fatal(err)
	}
}

func run(configFlag string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	configPath, err := config.ResolvePath(configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	masterKey, err := cfg.LoadMasterKey()
	if err != nil {
		return err
	}
	defer masterKey.Close()

	pairingToken, err := cfg.LoadPairingToken()
	if err != nil {
		return err
	}
	defer pairingToken.Close()

	secretVault, err := vault.New(masterKey)
	if err != nil {
		return err
	}

	clk := clock.Real()

	store, err := OpenStore(StoreConfig{
		Path:   cfg.DatabasePath,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	var publisher ConnectionPublisher = NoopPublisher{}
	if cfg.ConnectionConfig.Endpoint != "" {
		publisher = NewHTTPPublisher(cfg.ConnectionConfig.Endpoint, cfg.ConnectionConfig.Timeout(), logger)
		logger.Info("connection-config forwarding enabled", "endpoint", cfg.ConnectionConfig.Endpoint)
	}

	service := NewService(ServiceConfig{
		Store:              store,
		Vault:              secretVault,
		PairingToken:       pairingToken,
		Publisher:          publisher,
		Clock:              clk,
		Logger:             logger,
		MaxSkew:            cfg.Heartbeat.MaxSkew(),
		HubServicePort:     cfg.Heartbeat.HubServicePort,
		DefaultRotateEvery: cfg.Heartbeat.DefaultRotateEvery(),
		DefaultGrace:       cfg.Heartbeat.DefaultGrace(),
	})

	server := httpserver.New(httpserver.Config{
		Address: cfg.ListenAddress,
		Handler: service.Handler(),
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		RunSweeper(ctx, store, clk, sweepInterval, service.TrustWindow(), logger)
	}()

	logger.Info("fleetsync service starting",
		"version", version.Info(),
		"listen_address", cfg.ListenAddress,
		"database", cfg.DatabasePath,
		"max_skew", cfg.Heartbeat.MaxSkew())

	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	<-sweeperDone
	logger.Info("fleetsync service stopped")
	return nil
}
