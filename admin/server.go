// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/warden/control"
	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/peercred"
	"github.com/bureau-foundation/warden/lib/service"
	"github.com/bureau-foundation/warden/lib/version"
)

// Registry is the part of *control.Registry the admin socket drives.
type Registry interface {
	Register(workerID, principal string) error
	Unregister(workerID string) error
	Workers() []control.WorkerInfo
	SendCommand(workerID string, kind control.CommandKind, payload string, timeout time.Duration) (string, error)
	SendInput(workerID, text string) error
	SendShutdown(workerID string, gracefulTimeout time.Duration, reason string) error
	OutputSince(workerID string, offset uint64) ([]byte, uint64, error)
}

// ServerConfig holds the parameters for NewServer.
type ServerConfig struct {
	// SocketPath is where the admin socket is bound. Required.
	SocketPath string

	// InstanceID is reported by the status action.
	InstanceID string

	// Registry executes the actions. Required.
	Registry Registry

	// AllowedUIDs are the peer uids served. Every other peer is
	// refused before its request is read. Required.
	AllowedUIDs []uint32

	// Mode and Group set the socket file's permissions. Group < 0
	// leaves the group alone; Mode 0 means 0600.
	Mode  os.FileMode
	Group int

	Logger *slog.Logger
}

// Server exposes a Registry to bureau-warden-ctl.
type Server struct {
	config    ServerConfig
	socket    *service.SocketServer
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer builds the admin socket server. Call Serve to run it.
func NewServer(config ServerConfig) (*Server, error) {
	if config.SocketPath == "" {
		return nil, errors.New("admin: socket path is required")
	}
	if config.Registry == nil {
		return nil, errors.New("admin: registry is required")
	}
	if len(config.AllowedUIDs) == 0 {
		return nil, errors.New("admin: at least one allowed uid is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	server := &Server{
		config:    config,
		socket:    service.NewSocketServer(config.SocketPath, config.Logger),
		logger:    config.Logger,
		startedAt: time.Now(),
	}
	if config.Mode != 0 {
		server.socket.SetMode(config.Mode)
	}
	server.socket.SetGroup(config.Group)
	server.socket.SetAuthorizer(server.authorize)

	server.socket.Handle(ActionStatus, server.handleStatus)
	server.socket.Handle(ActionRegister, server.handleRegister)
	server.socket.Handle(ActionUnregister, server.handleUnregister)
	server.socket.Handle(ActionSendCommand, server.handleSendCommand)
	server.socket.Handle(ActionSendInput, server.handleSendInput)
	server.socket.Handle(ActionSendShutdown, server.handleSendShutdown)
	server.socket.Handle(ActionOutput, server.handleOutput)
	return server, nil
}

// Serve runs the socket until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	return s.socket.Serve(ctx)
}

// Ready is closed once the socket is accepting.
func (s *Server) Ready() <-chan struct{} {
	return s.socket.Ready()
}

func (s *Server) authorize(peer peercred.Credentials) error {
	if slices.Contains(s.config.AllowedUIDs, peer.UID) {
		return nil
	}
	return fmt.Errorf("uid %d is not permitted to administer this agent", peer.UID)
}

func (s *Server) handleStatus(ctx context.Context, raw []byte) (any, error) {
	infos := s.config.Registry.Workers()
	slices.SortFunc(infos, func(a, b control.WorkerInfo) int {
		return strings.Compare(a.WorkerID, b.WorkerID)
	})

	workers := make([]WorkerStatus, 0, len(infos))
	for _, info := range infos {
		worker := WorkerStatus{
			WorkerID:      info.WorkerID,
			Principal:     info.Principal,
			SocketPath:    info.SocketPath,
			RegisteredAt:  info.RegisteredAt,
			Connected:     info.Connected,
			ConnectedAt:   info.ConnectedAt,
			LastMessageAt: info.LastMessageAt,
			PeerPID:       info.PeerPID,
			StatusAt:      info.StatusAt,
			OutputBytes:   info.OutputBytes,
		}
		if status := info.LastStatus; status != nil {
			worker.State = string(status.State)
			worker.PID = status.PID
			worker.ExitCode = status.ExitCode
			worker.Detail = status.Detail
			worker.CPUPercent = status.CPUPercent
			worker.MemoryBytes = status.MemoryBytes
		}
		workers = append(workers, worker)
	}

	return StatusResponse{
		InstanceID:    s.config.InstanceID,
		Version:       version.Info(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Workers:       workers,
	}, nil
}

func (s *Server) handleRegister(ctx context.Context, raw []byte) (any, error) {
	var request registerRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := s.config.Registry.Register(request.WorkerID, request.Principal); err != nil {
		return nil, err
	}
	s.audit(ctx, ActionRegister, request.WorkerID, "principal", request.Principal)
	return nil, nil
}

func (s *Server) handleUnregister(ctx context.Context, raw []byte) (any, error) {
	var request workerRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := s.config.Registry.Unregister(request.WorkerID); err != nil {
		return nil, err
	}
	s.audit(ctx, ActionUnregister, request.WorkerID)
	return nil, nil
}

func (s *Server) handleSendCommand(ctx context.Context, raw []byte) (any, error) {
	var request sendCommandRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	kind := control.CommandKind(request.Command)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", control.ErrInvalidCommand, request.Command)
	}
	messageID, err := s.config.Registry.SendCommand(request.WorkerID, kind, request.Payload, request.Timeout)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, ActionSendCommand, request.WorkerID, "command", request.Command, "message_id", messageID)
	return SendCommandResponse{MessageID: messageID}, nil
}

func (s *Server) handleSendInput(ctx context.Context, raw []byte) (any, error) {
	var request sendInputRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := s.config.Registry.SendInput(request.WorkerID, request.Text); err != nil {
		return nil, err
	}
	s.audit(ctx, ActionSendInput, request.WorkerID, "bytes", len(request.Text))
	return nil, nil
}

func (s *Server) handleSendShutdown(ctx context.Context, raw []byte) (any, error) {
	var request sendShutdownRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := s.config.Registry.SendShutdown(request.WorkerID, request.GracefulTimeout, request.Reason); err != nil {
		return nil, err
	}
	s.audit(ctx, ActionSendShutdown, request.WorkerID, "reason", request.Reason)
	return nil, nil
}

func (s *Server) handleOutput(ctx context.Context, raw []byte) (any, error) {
	var request outputRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	data, start, err := s.config.Registry.OutputSince(request.WorkerID, request.Offset)
	if err != nil {
		return nil, err
	}
	return OutputResponse{
		Data:  string(data),
		Start: start,
		Next:  start + uint64(len(data)),
	}, nil
}

// audit logs a state-changing action with the requesting peer.
func (s *Server) audit(ctx context.Context, action, workerID string, attributes ...any) {
	peer, _ := service.PeerFromContext(ctx)
	s.logger.Info("admin action",
		append([]any{"action", action, "worker_id", workerID, "peer_uid", peer.UID, "peer_pid", peer.PID}, attributes...)...,
	)
}
