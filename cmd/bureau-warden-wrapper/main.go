// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/control"
	"github.com/bureau-foundation/warden/lib/logging"
	"github.com/bureau-foundation/warden/lib/process"
	"github.com/bureau-foundation/warden/lib/version"
)

const dialRetryInterval = 250 * time.Millisecond

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath        string
		workerID          string
		connectTimeout    time.Duration
		heartbeatInterval time.Duration
		stopTimeout       time.Duration
		stayUp            bool
		logLevel          string
		showVersion       bool
	)
	flags := pflag.NewFlagSet("bureau-warden-wrapper", pflag.ContinueOnError)
	flags.StringVar(&socketPath, "socket", "", "control channel socket for this worker (required)")
	flags.StringVar(&workerID, "worker-id", "", "worker id the channel was registered under (required)")
	flags.DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "how long to keep retrying the channel")
	flags.DurationVar(&heartbeatInterval, "heartbeat-interval", 0, "send worker heartbeats on this period (0 disables)")
	flags.DurationVar(&stopTimeout, "stop-timeout", DefaultStopTimeout, "SIGTERM grace period before SIGKILL")
	flags.BoolVar(&stayUp, "stay-up", false, "keep serving the channel after the child exits on its own")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags.SetInterspersed(false)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("bureau-warden-wrapper %s\n", version.Full())
		return nil
	}
	if socketPath == "" {
		return errors.New("--socket is required")
	}
	if workerID == "" {
		return errors.New("--worker-id is required")
	}
	command := flags.Args()
	if len(command) == 0 {
		return errors.New("usage: bureau-warden-wrapper --socket PATH --worker-id ID -- COMMAND [ARGS...]")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := logging.New(level).With("worker_id", workerID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := newSupervisor(supervisorConfig{
		Command: command,
		Dial: func(ctx context.Context) (*control.Client, error) {
			return dialWithRetry(ctx, socketPath, workerID, connectTimeout, logger)
		},
		ExitWithChild:     !stayUp,
		HeartbeatInterval: heartbeatInterval,
		StopTimeout:       stopTimeout,
		Logger:            logger,
	})
	code, err := s.Run(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return &process.ExitError{Code: code}
	}
	return nil
}

// dialWithRetry keeps dialing until the agent's listener answers or
// timeout passes. The agent may still be binding the socket when the
// wrapper starts.
func dialWithRetry(ctx context.Context, socketPath, workerID string, timeout time.Duration, logger *slog.Logger) (*control.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		client, err := control.Dial(ctx, socketPath, workerID, logger)
		if err == nil {
			logger.Info("connected to control channel", "socket_path", socketPath, "attempts", attempt)
			return client, nil
		}
		if errors.Is(err, control.ErrInvalidWorkerID) {
			return nil, err
		}
		logger.Debug("control channel not ready", "socket_path", socketPath, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("control channel %s unavailable after %d attempts: %w", socketPath, attempt, err)
		case <-time.After(dialRetryInterval):
		}
	}
}
