// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/warden/control"
	"github.com/bureau-foundation/warden/lib/clock"
)

// DefaultStopTimeout is the SIGTERM grace period when a stop or
// shutdown does not carry its own.
const DefaultStopTimeout = 10 * time.Second

// dialFunc connects (or reconnects) to the worker's control channel.
type dialFunc func(ctx context.Context) (*control.Client, error)

type supervisorConfig struct {
	Command []string
	Dial    dialFunc

	// ExitWithChild ends Run when the child exits without being asked
	// to. Otherwise the wrapper stays up, reports the exit, and waits
	// for a start, restart, or shutdown.
	ExitWithChild bool

	// HeartbeatInterval, when positive, sends a worker-side heartbeat
	// on that period.
	HeartbeatInterval time.Duration

	StopTimeout time.Duration

	// Clock paces heartbeats, stop escalation, and CPU sampling.
	// Defaults to clock.Real().
	Clock  clock.Clock
	Logger *slog.Logger
}

// supervisor runs the managed command and speaks the control protocol
// for it. All child and state handling happens on the Run goroutine.
// Only the current client is shared with the output writers.
type supervisor struct {
	config supervisorConfig
	logger *slog.Logger

	clientMutex sync.Mutex
	client      *control.Client

	child     *child
	state     control.WorkerState
	exitCode  *int
	heartbeat uint64
}

func newSupervisor(config supervisorConfig) *supervisor {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &supervisor{config: config, logger: config.Logger}
}

// Run connects, starts the child, and serves the channel until a
// shutdown, ctx cancellation, or (with ExitWithChild) the child's own
// exit. It returns the exit status the wrapper should end with.
func (s *supervisor) Run(ctx context.Context) (int, error) {
	client, err := s.config.Dial(ctx)
	if err != nil {
		return 1, err
	}
	s.setClient(client)
	defer func() {
		s.currentClient().Close()
	}()

	s.report(control.StateInitializing, "")
	if err := s.startChild(); err != nil && s.config.ExitWithChild {
		return 1, err
	}

	var ticks <-chan time.Time
	if s.config.HeartbeatInterval > 0 {
		ticker := s.config.Clock.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		var childDone <-chan struct{}
		if s.child != nil {
			childDone = s.child.done
		}

		select {
		case <-ctx.Done():
			s.logger.Info("wrapper interrupted, stopping child")
			s.stopChild(s.config.StopTimeout, true)
			return s.exitStatus(), nil

		case <-childDone:
			exited := s.child
			s.child = nil
			s.childExited(exited)
			if s.config.ExitWithChild {
				return s.exitStatus(), nil
			}

		case message, ok := <-client.Messages():
			if !ok {
				client, err = s.reconnect(ctx, client)
				if err != nil {
					s.stopChild(s.config.StopTimeout, false)
					return 1, err
				}
				continue
			}
			if s.handle(message) {
				return s.exitStatus(), nil
			}

		case <-ticks:
			s.heartbeat++
			if err := client.SendHeartbeat(s.heartbeat); err != nil {
				s.logger.Debug("heartbeat not delivered", "error", err)
			}
		}
	}
}

// reconnect replaces a client whose channel ended. The agent keeps
// its listener bound, so a new connection simply takes over.
func (s *supervisor) reconnect(ctx context.Context, previous *control.Client) (*control.Client, error) {
	s.logger.Warn("control channel closed, reconnecting", "error", previous.Err())
	previous.Close()
	client, err := s.config.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnecting: %w", err)
	}
	s.setClient(client)
	s.report(s.state, "reconnected")
	return client, nil
}

// handle processes one message from the agent and reports whether the
// wrapper should exit.
func (s *supervisor) handle(message control.Message) bool {
	switch body := message.Body.(type) {
	case *control.Command:
		success, errText := s.execute(body)
		if err := s.currentClient().Acknowledge(message, success, errText); err != nil {
			s.logger.Warn("acknowledgement not delivered", "command", body.Kind, "error", err)
		}
		return false

	case *control.Input:
		if s.child == nil {
			s.logger.Warn("input dropped, no child running", "bytes", len(body.Data))
			return false
		}
		if _, err := s.child.stdin.Write([]byte(body.Data)); err != nil {
			s.logger.Warn("writing child stdin failed", "error", err)
		}
		return false

	case *control.Shutdown:
		s.logger.Info("shutdown requested", "reason", body.Reason, "graceful_timeout", body.GracefulTimeout)
		timeout := body.GracefulTimeout
		if timeout <= 0 {
			timeout = s.config.StopTimeout
		}
		s.stopChild(timeout, true)
		return true

	case *control.ErrorReport:
		s.logger.Warn("agent reported error", "code", body.Code, "message", body.Message)
		return false

	case *control.Heartbeat, *control.Acknowledge:
		return false

	default:
		s.logger.Warn("unexpected message from agent", "type", message.Type())
		return false
	}
}

// execute runs one command and returns the acknowledgement.
func (s *supervisor) execute(command *control.Command) (bool, string) {
	s.logger.Info("executing command", "command", command.Kind)
	timeout := command.Timeout
	if timeout <= 0 {
		timeout = s.config.StopTimeout
	}

	switch command.Kind {
	case control.CommandGetStatus:
		s.report(s.state, "")
		return true, ""

	case control.CommandStart:
		if s.child != nil {
			return false, "already running"
		}
		if err := s.startChild(); err != nil {
			return false, err.Error()
		}
		return true, ""

	case control.CommandStop:
		if s.child == nil {
			return false, "not running"
		}
		s.stopChild(timeout, true)
		return true, ""

	case control.CommandKill:
		if s.child == nil {
			return false, "not running"
		}
		s.stopChild(0, true)
		return true, ""

	case control.CommandRestart:
		if s.child != nil {
			s.report(control.StateRestarting, "")
			s.stopChild(timeout, false)
		}
		if err := s.startChild(); err != nil {
			return false, err.Error()
		}
		return true, ""

	case control.CommandUpdateLimits:
		return false, "resource limits are not supported by this wrapper"

	default:
		return false, fmt.Sprintf("unknown command %q", command.Kind)
	}
}

func (s *supervisor) startChild() error {
	s.exitCode = nil
	s.report(control.StateStarting, "")
	stdout := &outputWriter{send: s.sendOutput}
	stderr := &outputWriter{send: s.sendOutput, isError: true}
	started, err := startChild(s.config.Command, stdout, stderr)
	if err != nil {
		s.logger.Error("starting child failed", "command", s.config.Command, "error", err)
		s.report(control.StateFailed, err.Error())
		return err
	}
	started.outputs = []*outputWriter{stdout, stderr}
	started.sampledAt = s.config.Clock.Now()
	s.child = started
	s.logger.Info("child started", "pid", started.pid())
	s.report(control.StateRunning, "")
	return nil
}

// stopChild stops the running child and waits for it. With report
// false no stopping/stopped status is sent; restart reports its own.
func (s *supervisor) stopChild(timeout time.Duration, report bool) {
	if s.child == nil {
		return
	}
	stopping := s.child
	if report {
		s.report(control.StateStopping, "")
	}
	if err := stopping.stop(timeout, s.config.Clock); err != nil {
		s.logger.Error("stopping child failed", "pid", stopping.pid(), "error", err)
		// The group may be unreachable but the process still ours.
		stopping.cmd.Process.Signal(syscall.SIGKILL)
		<-stopping.done
	}
	s.child = nil
	stopping.flush()
	code := stopping.exitCode
	s.exitCode = &code
	s.logger.Info("child stopped", "pid", stopping.pid(), "exit_code", code)
	if report {
		s.report(control.StateStopped, "")
	}
}

// childExited records a child that ended on its own.
func (s *supervisor) childExited(exited *child) {
	exited.flush()
	code := exited.exitCode
	s.exitCode = &code
	if exited.waitErr != nil {
		s.logger.Error("waiting for child failed", "pid", exited.pid(), "error", exited.waitErr)
		s.report(control.StateFailed, exited.waitErr.Error())
		return
	}
	if code == 0 {
		s.logger.Info("child exited", "pid", exited.pid())
		s.report(control.StateStopped, "")
		return
	}
	s.logger.Warn("child crashed", "pid", exited.pid(), "exit_code", code)
	s.report(control.StateCrashed, fmt.Sprintf("exited with status %d", code))
}

// report records state and sends a Status to the agent.
func (s *supervisor) report(state control.WorkerState, detail string) {
	s.state = state
	status := control.Status{State: state, Detail: detail}
	if s.child != nil {
		status.PID = s.child.pid()
		status.CPUPercent = s.child.cpuPercent(s.config.Clock.Now())
		status.MemoryBytes = residentBytes(status.PID)
	}
	if state.Terminal() && s.exitCode != nil {
		code := *s.exitCode
		status.ExitCode = &code
	}
	if err := s.currentClient().SendStatus(status); err != nil {
		s.logger.Warn("status not delivered", "state", state, "error", err)
	}
}

func (s *supervisor) sendOutput(data string, isError bool) {
	if err := s.currentClient().SendOutput(data, isError); err != nil {
		s.logger.Debug("output not delivered", "bytes", len(data), "error", err)
	}
}

func (s *supervisor) exitStatus() int {
	if s.exitCode == nil || *s.exitCode < 0 {
		if s.state == control.StateFailed {
			return 1
		}
		return 0
	}
	return *s.exitCode
}

func (s *supervisor) setClient(client *control.Client) {
	s.clientMutex.Lock()
	defer s.clientMutex.Unlock()
	s.client = client
}

func (s *supervisor) currentClient() *control.Client {
	s.clientMutex.Lock()
	defer s.clientMutex.Unlock()
	return s.client
}
