// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/admin"
	"github.com/bureau-foundation/warden/control"
	"github.com/bureau-foundation/warden/lib/config"
	"github.com/bureau-foundation/warden/lib/logging"
	"github.com/bureau-foundation/warden/lib/process"
	"github.com/bureau-foundation/warden/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("bureau-warden", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to warden.yaml (default: $"+config.EnvironmentVariable+")")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("bureau-warden %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := logging.New(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, control.OSResolver{}, logger)
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// serve runs the registry and the admin socket until ctx is done.
func serve(ctx context.Context, cfg *config.Config, resolver control.PrincipalResolver, logger *slog.Logger) error {
	history := cfg.OutputHistoryBytes
	if history == 0 {
		history = -1
	}
	agent := control.CurrentIdentity()
	registry, err := control.NewRegistry(control.RegistryConfig{
		InstanceID:             cfg.InstanceID,
		RunDir:                 cfg.RunDir,
		AdminPrincipal:         cfg.AdminPrincipal,
		Resolver:               resolver,
		Agent:                  &agent,
		IOErrorBackoff:         cfg.Retry.IOError,
		UnexpectedErrorBackoff: cfg.Retry.UnexpectedError,
		WriteTimeout:           cfg.WriteTimeout,
		HeartbeatInterval:      cfg.Heartbeat.Interval,
		LivenessTimeout:        cfg.Heartbeat.LivenessTimeout,
		OutputHistoryBytes:     history,
		Logger:                 logger,
	})
	if err != nil {
		return err
	}
	defer registry.Stop()

	subscribe(registry, logger)

	if cfg.WorkersFile != "" {
		workers, err := config.ReadWorkers(cfg.WorkersFile)
		if err != nil {
			return err
		}
		for _, worker := range workers {
			if err := registry.Register(worker.ID, worker.Principal); err != nil {
				return fmt.Errorf("registering %s from %s: %w", worker.ID, cfg.WorkersFile, err)
			}
		}
		logger.Info("registered workers from manifest", "path", cfg.WorkersFile, "count", len(workers))
	}

	if err := registry.Start(ctx); err != nil {
		return err
	}

	adminIdentity, err := resolver.LookupPrincipal(cfg.AdminPrincipal)
	if err != nil {
		return fmt.Errorf("admin principal: %w", err)
	}
	serverConfig := admin.ServerConfig{
		SocketPath:  cfg.AdminSocket,
		InstanceID:  cfg.InstanceID,
		Registry:    registry,
		AllowedUIDs: []uint32{agent.UID, adminIdentity.UID},
		Group:       -1,
		Logger:      logger,
	}
	if agent.UID == 0 {
		serverConfig.Mode = 0660
		serverConfig.Group = int(adminIdentity.GID)
	}
	server, err := admin.NewServer(serverConfig)
	if err != nil {
		return err
	}

	logger.Info("bureau-warden running",
		"instance_id", cfg.InstanceID,
		"run_dir", control.InstanceDir(cfg.RunDir, cfg.InstanceID),
		"admin_socket", cfg.AdminSocket,
		"version", version.Info(),
	)
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("admin socket: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

// subscribe logs worker events.
func subscribe(registry *control.Registry, logger *slog.Logger) {
	registry.OnStatus(func(event control.StatusEvent) {
		attributes := []any{
			"worker_id", event.WorkerID,
			"previous", event.Previous,
			"state", event.Status.State,
			"pid", event.Status.PID,
		}
		if event.Status.ExitCode != nil {
			attributes = append(attributes, "exit_code", *event.Status.ExitCode)
		}
		if event.Status.Detail != "" {
			attributes = append(attributes, "detail", event.Status.Detail)
		}
		logger.Info("worker status", attributes...)
	})
	registry.OnFault(func(event control.FaultEvent) {
		logger.Error("worker fault",
			"worker_id", event.WorkerID,
			"code", event.Code,
			"message", event.Message,
		)
	})
	registry.OnOutput(func(event control.OutputEvent) {
		logger.Debug("worker output",
			"worker_id", event.WorkerID,
			"bytes", len(event.Data),
			"is_error", event.IsError,
		)
	})
}
