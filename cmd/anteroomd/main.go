// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// anteroomd is the Anteroom daemon: it watches a hub room on a Matrix
// homeserver and manages the ephemeral rooms users create from it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/anteroom-dev/anteroom/config"
	"github.com/anteroom-dev/anteroom/gateway"
	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lifecycle"
	"github.com/anteroom-dev/anteroom/messaging"
	"github.com/anteroom-dev/anteroom/panel"
	"github.com/anteroom-dev/anteroom/ratelimit"
	"github.com/anteroom-dev/anteroom/roomstore"
)

// version is stamped by the build.
var version = "devel"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "anteroomd:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("anteroomd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML configuration file")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("anteroomd", version)
		return nil
	}
	if *configPath == "" {
		return fmt.Errorf("--config is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wallClock := clock.Real()

	store, err := roomstore.Open(roomstore.Config{
		Path:   cfg.DatabasePath,
		Clock:  wallClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var session *messaging.Session
	if cfg.AccessToken != "" {
		session = client.SessionFromToken(cfg.ServiceUserID(), cfg.AccessToken)
		whoami, err := session.WhoAmI(ctx)
		if err != nil {
			return fmt.Errorf("verifying access token: %w", err)
		}
		if whoami != cfg.ServiceUserID() {
			return fmt.Errorf("access token belongs to %s, config says %s", whoami, cfg.ServiceUserID())
		}
	} else {
		session, err = client.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return err
		}
	}

	matrix, err := gateway.NewMatrix(gateway.MatrixConfig{
		Session:           session,
		Clock:             wallClock,
		Logger:            logger,
		RequestsPerSecond: cfg.Outbound.RequestsPerSecond,
		Burst:             cfg.Outbound.Burst,
	})
	if err != nil {
		return err
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Threshold: cfg.RateLimit.Threshold,
		Window:    cfg.Window(),
		Cooldown:  cfg.Cooldown(),
	}, store, wallClock, logger)
	if err != nil {
		return err
	}

	reconciler, err := panel.New(panel.Config{
		Store:           store,
		Gateway:         matrix,
		Logger:          logger,
		Operators:       cfg.OperatorIDs(),
		FallbackEnabled: cfg.FallbackPanel,
	})
	if err != nil {
		return err
	}

	manager, err := lifecycle.New(lifecycle.Config{
		Store:           store,
		Gateway:         matrix,
		Panel:           reconciler,
		Limiter:         limiter,
		Clock:           wallClock,
		Logger:          logger,
		HubChannel:      cfg.HubRoomID(),
		NamePrefix:      cfg.RoomNamePrefix,
		DefaultCapacity: cfg.DefaultCapacity,
		GracePeriod:     cfg.GracePeriod(),
		SweepInterval:   cfg.SweepInterval(),
		RetentionPeriod: cfg.RetentionPeriod(),
		Operators:       cfg.OperatorIDs(),
	})
	if err != nil {
		return err
	}

	// The service must be in the hub to see joins.
	if err := session.JoinRoom(ctx, cfg.HubRoomID()); err != nil {
		logger.Warn("joining hub room failed", "hub", cfg.HubRoom, "error", err)
	}

	if err := manager.Reconcile(ctx); err != nil {
		return err
	}
	logger.Info("anteroomd started",
		"version", version,
		"homeserver", cfg.HomeserverURL,
		"hub", cfg.HubRoom,
		"service_user", session.UserID(),
	)

	failed := make(chan error, 2)
	go func() {
		failed <- matrix.Run(ctx, gateway.Handlers{
			Presence: manager.HandlePresence,
			Control:  manager.HandleControl,
		})
	}()
	go func() {
		failed <- manager.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-failed:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
