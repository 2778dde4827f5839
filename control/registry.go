// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/warden/lib/clock"
)

const (
	// DefaultIOErrorBackoff is the wait before rebinding a channel
	// after an I/O failure.
	DefaultIOErrorBackoff = time.Second

	// DefaultUnexpectedErrorBackoff is the wait after any other
	// listener failure.
	DefaultUnexpectedErrorBackoff = 5 * time.Second

	// DefaultAdminPrincipal is the break-glass principal granted
	// access to every channel.
	DefaultAdminPrincipal = "root"
)

// RegistryConfig holds the parameters for NewRegistry.
type RegistryConfig struct {
	// InstanceID scopes this agent's socket directory. Required;
	// same character rules as worker ids.
	InstanceID string

	// RunDir is the root under which channel sockets are created.
	// Required.
	RunDir string

	// AdminPrincipal is granted read/write on every channel. Defaults
	// to DefaultAdminPrincipal. Must resolve.
	AdminPrincipal string

	// Resolver maps principal names to identities. Defaults to
	// OSResolver.
	Resolver PrincipalResolver

	// Agent is the identity the agent runs as. Defaults to
	// CurrentIdentity().
	Agent *Identity

	// IOErrorBackoff and UnexpectedErrorBackoff pace listener retries.
	// Zero selects the defaults.
	IOErrorBackoff         time.Duration
	UnexpectedErrorBackoff time.Duration

	// WriteTimeout bounds each frame write; see
	// ConnectionConfig.WriteTimeout.
	WriteTimeout time.Duration

	// HeartbeatInterval enables an agent-side heartbeat to every live
	// connection. Zero disables it.
	HeartbeatInterval time.Duration

	// LivenessTimeout drops a connection that has sent nothing for
	// this long. Checked on the heartbeat interval; zero disables it.
	LivenessTimeout time.Duration

	// OutputHistoryBytes is the per-worker output retained for
	// diagnostics. Zero selects DefaultOutputHistoryBytes; negative
	// disables history.
	OutputHistoryBytes int

	// Clock drives the heartbeat loop, listener backoff, and message
	// timestamps. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// registration binds a worker id to its principal and channel. Fields
// other than cancel, done, and the status pair are immutable after
// Register.
type registration struct {
	workerID   string
	principal  string
	socketPath string
	policy     *AccessPolicy
	createdAt  time.Time
	history    *OutputHistory

	// Guarded by Registry.mutex. done is closed once the listener
	// goroutine has exited and removed its socket file.
	cancel     context.CancelFunc
	done       chan struct{}
	lastStatus *Status
	statusAt   time.Time
}

// Registry is the agent side of the control channel subsystem. It
// holds one registration per worker id, runs one listener per
// registration once started, keeps at most one live Connection per
// worker, and turns received messages into events.
//
// The registrations and connections maps are the only state shared
// between goroutines; every access holds mutex, and a connection is
// replaced or removed only while holding it.
type Registry struct {
	config RegistryConfig
	logger *slog.Logger
	admin  Identity
	agent  Identity

	mutex         sync.Mutex
	registrations map[string]*registration
	connections   map[string]*Connection
	started       bool
	closed        bool
	context       context.Context
	cancel        context.CancelFunc

	// tasks counts listeners, read loops, and the heartbeat loop so
	// Stop can join them.
	tasks sync.WaitGroup

	outputObservers observers[OutputEvent]
	statusObservers observers[StatusEvent]
	faultObservers  observers[FaultEvent]
}

// NewRegistry validates config and resolves the admin principal. It
// does not touch the filesystem; sockets are created by Start.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.RunDir == "" {
		return nil, errors.New("registry: run directory is required")
	}
	if err := validateID(config.InstanceID, "instance id"); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Resolver == nil {
		config.Resolver = OSResolver{}
	}
	if config.AdminPrincipal == "" {
		config.AdminPrincipal = DefaultAdminPrincipal
	}
	if config.IOErrorBackoff <= 0 {
		config.IOErrorBackoff = DefaultIOErrorBackoff
	}
	if config.UnexpectedErrorBackoff <= 0 {
		config.UnexpectedErrorBackoff = DefaultUnexpectedErrorBackoff
	}
	if config.OutputHistoryBytes == 0 {
		config.OutputHistoryBytes = DefaultOutputHistoryBytes
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	agent := CurrentIdentity()
	if config.Agent != nil {
		agent = *config.Agent
	}
	admin, err := config.Resolver.LookupPrincipal(config.AdminPrincipal)
	if err != nil {
		return nil, fmt.Errorf("registry: admin principal: %w", err)
	}

	return &Registry{
		config:        config,
		logger:        config.Logger,
		admin:         admin,
		agent:         agent,
		registrations: make(map[string]*registration),
		connections:   make(map[string]*Connection),
	}, nil
}

// Register binds workerID to expectedPrincipal. The id must match
// [A-Za-z0-9_-]+ and the principal must resolve to an identity the
// agent can grant access to. If the registry is running, the worker's
// listener starts immediately.
func (r *Registry) Register(workerID, expectedPrincipal string) error {
	if err := ValidateWorkerID(workerID); err != nil {
		return err
	}
	if expectedPrincipal == "" {
		return fmt.Errorf("%w: worker %s", ErrMissingPrincipal, workerID)
	}
	socketPath, err := SocketPath(r.config.RunDir, r.config.InstanceID, workerID)
	if err != nil {
		return err
	}
	principal, err := r.config.Resolver.LookupPrincipal(expectedPrincipal)
	if err != nil {
		return fmt.Errorf("registering worker %s: %w", workerID, err)
	}
	policy, err := NewAccessPolicy(r.agent, principal, r.admin)
	if err != nil {
		return fmt.Errorf("registering worker %s: %w", workerID, err)
	}

	entry := &registration{
		workerID:   workerID,
		principal:  expectedPrincipal,
		socketPath: socketPath,
		policy:     policy,
		createdAt:  r.config.Clock.Now(),
		history:    NewOutputHistory(r.config.OutputHistoryBytes),
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.registrations[workerID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, workerID)
	}
	r.registrations[workerID] = entry
	if r.started {
		r.startListenerLocked(entry)
	}

	r.logger.Info("worker registered",
		"worker_id", workerID,
		"principal", expectedPrincipal,
		"socket_path", socketPath,
	)
	return nil
}

// Unregister removes the registration, stops its listener, and closes
// any live connection. It returns once the listener has released the
// socket path, so the id can be registered again immediately.
func (r *Registry) Unregister(workerID string) error {
	r.mutex.Lock()
	entry, exists := r.registrations[workerID]
	if !exists {
		r.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, workerID)
	}
	delete(r.registrations, workerID)
	connection := r.connections[workerID]
	delete(r.connections, workerID)
	cancel, done := entry.cancel, entry.done
	r.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if connection != nil {
		connection.Close()
	}
	if done != nil {
		<-done
	}
	r.logger.Info("worker unregistered", "worker_id", workerID)
	return nil
}

// Start launches a listener for every registration and, if
// configured, the heartbeat loop. Calling Start on a running registry
// does nothing. Cancelling ctx has the same effect on the goroutines
// as Stop, but only Stop waits for them.
func (r *Registry) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if r.started {
		return nil
	}
	r.context, r.cancel = context.WithCancel(ctx)
	r.started = true

	for _, entry := range r.registrations {
		r.startListenerLocked(entry)
	}
	if r.config.HeartbeatInterval > 0 {
		r.tasks.Add(1)
		go r.heartbeatLoop(r.context)
	}

	r.logger.Info("control registry started",
		"instance_id", r.config.InstanceID,
		"run_dir", r.config.RunDir,
		"workers", len(r.registrations),
	)
	return nil
}

// Stop cancels every listener, closes every connection, and waits for
// all goroutines to exit. Safe to call more than once and without
// Start. No events are raised once Stop returns.
func (r *Registry) Stop() {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		r.tasks.Wait()
		return
	}
	r.closed = true
	cancel := r.cancel
	connections := make([]*Connection, 0, len(r.connections))
	for _, connection := range r.connections {
		connections = append(connections, connection)
	}
	clear(r.connections)
	r.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, connection := range connections {
		connection.Close()
	}
	r.tasks.Wait()
	r.logger.Info("control registry stopped", "instance_id", r.config.InstanceID)
}

// IsConnected reports whether workerID has a live connection.
func (r *Registry) IsConnected(workerID string) bool {
	connection := r.connection(workerID)
	return connection != nil && connection.IsLive()
}

// SendCommand sends a command to the worker and returns the message id
// its Acknowledge will reference. Fails with ErrNotConnected if the
// worker has no live connection, or wraps ErrSendFailed.
func (r *Registry) SendCommand(workerID string, kind CommandKind, payload string, timeout time.Duration) (string, error) {
	connection := r.connection(workerID)
	if connection == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, workerID)
	}
	return connection.SendCommand(kind, payload, timeout)
}

// SendInput forwards text to the worker's managed process.
func (r *Registry) SendInput(workerID, text string) error {
	connection := r.connection(workerID)
	if connection == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, workerID)
	}
	return connection.SendInput(text)
}

// SendShutdown asks the worker to stop its process and exit.
func (r *Registry) SendShutdown(workerID string, gracefulTimeout time.Duration, reason string) error {
	connection := r.connection(workerID)
	if connection == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, workerID)
	}
	return connection.SendShutdown(gracefulTimeout, reason)
}

// OnOutput subscribes handler to OutputEvents and returns a function
// that unsubscribes it. Handlers run on the worker's read goroutine;
// a panic is logged and contained.
func (r *Registry) OnOutput(handler func(OutputEvent)) (unsubscribe func()) {
	return r.outputObservers.add(handler)
}

// OnStatus subscribes handler to StatusEvents. See OnOutput.
func (r *Registry) OnStatus(handler func(StatusEvent)) (unsubscribe func()) {
	return r.statusObservers.add(handler)
}

// OnFault subscribes handler to FaultEvents. See OnOutput.
func (r *Registry) OnFault(handler func(FaultEvent)) (unsubscribe func()) {
	return r.faultObservers.add(handler)
}

// WorkerInfo is a point-in-time view of one registration.
type WorkerInfo struct {
	WorkerID      string
	Principal     string
	SocketPath    string
	RegisteredAt  time.Time
	Connected     bool
	ConnectedAt   time.Time
	LastMessageAt time.Time
	PeerPID       int32
	LastStatus    *Status
	StatusAt      time.Time
	OutputBytes   uint64
}

// Workers returns a snapshot of every registration, in no particular
// order.
func (r *Registry) Workers() []WorkerInfo {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	infos := make([]WorkerInfo, 0, len(r.registrations))
	for _, entry := range r.registrations {
		infos = append(infos, r.workerInfoLocked(entry))
	}
	return infos
}

// Worker returns a snapshot of one registration.
func (r *Registry) Worker(workerID string) (WorkerInfo, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	entry, exists := r.registrations[workerID]
	if !exists {
		return WorkerInfo{}, false
	}
	return r.workerInfoLocked(entry), true
}

func (r *Registry) workerInfoLocked(entry *registration) WorkerInfo {
	info := WorkerInfo{
		WorkerID:     entry.workerID,
		Principal:    entry.principal,
		SocketPath:   entry.socketPath,
		RegisteredAt: entry.createdAt,
		StatusAt:     entry.statusAt,
		OutputBytes:  entry.history.Total(),
	}
	if entry.lastStatus != nil {
		status := *entry.lastStatus
		info.LastStatus = &status
	}
	if connection := r.connections[entry.workerID]; connection != nil && connection.IsLive() {
		info.Connected = true
		info.ConnectedAt = connection.ConnectedAt()
		info.LastMessageAt = connection.LastMessageAt()
		info.PeerPID = connection.Peer().PID
	}
	return info
}

// OutputSince returns the retained output for workerID written after
// offset, and the offset of the first returned byte.
func (r *Registry) OutputSince(workerID string, offset uint64) ([]byte, uint64, error) {
	r.mutex.Lock()
	entry, exists := r.registrations[workerID]
	r.mutex.Unlock()
	if !exists {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotRegistered, workerID)
	}
	data, start := entry.history.Since(offset)
	return data, start, nil
}

func (r *Registry) connection(workerID string) *Connection {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.connections[workerID]
}

func (r *Registry) registration(workerID string) *registration {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.registrations[workerID]
}

// installConnection makes connection the worker's active connection
// if entry is still the current registration and the registry is
// open. It returns the connection it replaced. The swap and the
// read-loop task accounting happen under one lock so Stop cannot miss
// either.
func (r *Registry) installConnection(entry *registration, connection *Connection) (previous *Connection, installed bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed || r.registrations[entry.workerID] != entry {
		return nil, false
	}
	previous = r.connections[entry.workerID]
	r.connections[entry.workerID] = connection
	r.tasks.Add(1)
	return previous, true
}

// removeConnection deletes connection from the table only if it is
// still the worker's active one; a connection that was already
// replaced must not evict its successor.
func (r *Registry) removeConnection(connection *Connection) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.connections[connection.WorkerID()] != connection {
		return false
	}
	delete(r.connections, connection.WorkerID())
	return true
}

// heartbeatLoop sends a heartbeat to each live connection every
// interval and drops connections that have gone quiet for longer than
// the liveness timeout. The worker's listener keeps accepting, so a
// dropped worker can reconnect.
func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.tasks.Done()
	ticker := r.config.Clock.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mutex.Lock()
		connections := make([]*Connection, 0, len(r.connections))
		for _, connection := range r.connections {
			connections = append(connections, connection)
		}
		r.mutex.Unlock()

		now := r.config.Clock.Now()
		for _, connection := range connections {
			if r.config.LivenessTimeout > 0 && now.Sub(connection.LastMessageAt()) > r.config.LivenessTimeout {
				if r.removeConnection(connection) {
					r.logger.Warn("dropping silent worker connection",
						"worker_id", connection.WorkerID(),
						"last_message_at", connection.LastMessageAt(),
						"liveness_timeout", r.config.LivenessTimeout,
					)
					connection.Close()
				}
				continue
			}
			if err := connection.SendHeartbeat(); err != nil {
				r.logger.Debug("heartbeat not delivered", "worker_id", connection.WorkerID(), "error", err)
			}
		}
	}
}
