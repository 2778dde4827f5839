// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/warden/control"
	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/service"
	"github.com/bureau-foundation/warden/lib/testutil"
)

type selfResolver struct{}

func (selfResolver) LookupPrincipal(name string) (control.Identity, error) {
	if name == "nobody-here" {
		return control.Identity{}, &control.PrincipalError{Principal: name, Err: errors.New("no such principal")}
	}
	return control.CurrentIdentity(), nil
}

type fixture struct {
	registry *control.Registry
	client   *Client
	socket   string
}

func startServer(t *testing.T, allowed ...uint32) fixture {
	t.Helper()
	dir := testutil.SocketDir(t)
	agent := control.CurrentIdentity()
	registry, err := control.NewRegistry(control.RegistryConfig{
		InstanceID:     "admin-test",
		RunDir:         dir,
		AdminPrincipal: "admin",
		Resolver:       selfResolver{},
		Agent:          &agent,
		IOErrorBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Stop)
	if err := registry.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(allowed) == 0 {
		allowed = []uint32{agent.UID}
	}
	socketPath := filepath.Join(dir, "admin.sock")
	server, err := NewServer(ServerConfig{
		SocketPath:  socketPath,
		InstanceID:  "admin-test",
		Registry:    registry,
		AllowedUIDs: allowed,
		Group:       -1,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, testutil.DefaultTimeout, "admin server exit"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	testutil.RequireClosed(t, server.Ready(), testutil.DefaultTimeout, "admin server ready")

	return fixture{registry: registry, client: NewClient(socketPath), socket: socketPath}
}

// connectWorker dials the worker's socket once it is bound.
func connectWorker(t *testing.T, f fixture, workerID string) *control.Client {
	t.Helper()
	info, ok := f.registry.Worker(workerID)
	if !ok {
		t.Fatalf("worker %s not registered", workerID)
	}
	testutil.RequireEventually(t, testutil.DefaultTimeout, func() bool {
		stat, err := os.Stat(info.SocketPath)
		return err == nil && stat.Mode()&os.ModeSocket != 0
	}, "socket for "+workerID)

	client, err := control.Dial(context.Background(), info.SocketPath, workerID, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	testutil.RequireEventually(t, testutil.DefaultTimeout, func() bool {
		return f.registry.IsConnected(workerID)
	}, workerID+" connected")
	return client
}

func TestRegisterAndStatus(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()

	for _, id := range []string{"beta", "alpha"} {
		if err := f.client.Register(ctx, id, "acct"); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	status, err := f.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.InstanceID != "admin-test" {
		t.Errorf("InstanceID = %q, want admin-test", status.InstanceID)
	}
	if status.Version == "" {
		t.Error("Version is empty")
	}
	if len(status.Workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(status.Workers))
	}
	if status.Workers[0].WorkerID != "alpha" || status.Workers[1].WorkerID != "beta" {
		t.Errorf("workers not sorted: %s, %s", status.Workers[0].WorkerID, status.Workers[1].WorkerID)
	}
	alpha := status.Workers[0]
	if alpha.Principal != "acct" || alpha.Connected || alpha.State != "" {
		t.Errorf("unexpected fresh worker: %+v", alpha)
	}
	if !strings.HasSuffix(alpha.SocketPath, "alpha.sock") {
		t.Errorf("SocketPath = %q", alpha.SocketPath)
	}
	if alpha.RegisteredAt.IsZero() {
		t.Error("RegisteredAt is zero")
	}
}

func TestRegistrationErrors(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()
	if err := f.client.Register(ctx, "w1", "acct"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name    string
		call    func() error
		message string
	}{
		{"duplicate", func() error { return f.client.Register(ctx, "w1", "acct") }, "already registered"},
		{"invalid id", func() error { return f.client.Register(ctx, "../x", "acct") }, "invalid worker id"},
		{"missing principal", func() error { return f.client.Register(ctx, "w2", "") }, "principal is required"},
		{"unknown principal", func() error { return f.client.Register(ctx, "w3", "nobody-here") }, "nobody-here"},
		{"unregister unknown", func() error { return f.client.Unregister(ctx, "ghost") }, "not registered"},
		{"input while disconnected", func() error { return f.client.SendInput(ctx, "w1", "x") }, "not connected"},
		{"invalid command", func() error {
			_, err := f.client.SendCommand(ctx, "w1", "reboot", "", 0)
			return err
		}, "invalid command"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.call()
			var serviceErr *service.ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("error = %v, want *service.ServiceError", err)
			}
			if !strings.Contains(serviceErr.Message, test.message) {
				t.Errorf("message = %q, want it to contain %q", serviceErr.Message, test.message)
			}
		})
	}
}

func TestUnregister(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()
	if err := f.client.Register(ctx, "w1", "acct"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.client.Unregister(ctx, "w1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	status, err := f.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Workers) != 0 {
		t.Errorf("workers after unregister = %+v", status.Workers)
	}
}

func TestCommandsReachWorker(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()
	if err := f.client.Register(ctx, "w1", "acct"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	worker := connectWorker(t, f, "w1")

	messageID, err := f.client.SendCommand(ctx, "w1", "stop", "now", 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	message := testutil.RequireReceive(t, worker.Messages(), testutil.DefaultTimeout, "command")
	command, ok := message.Body.(*control.Command)
	if !ok {
		t.Fatalf("body = %T, want *control.Command", message.Body)
	}
	if message.ID != messageID {
		t.Errorf("message id = %q, want %q", message.ID, messageID)
	}
	if command.Kind != control.CommandStop || command.Payload != "now" || command.Timeout != 1500*time.Millisecond {
		t.Errorf("command = %+v", command)
	}

	if err := f.client.SendInput(ctx, "w1", "hello\n"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	message = testutil.RequireReceive(t, worker.Messages(), testutil.DefaultTimeout, "input")
	if input, ok := message.Body.(*control.Input); !ok || input.Data != "hello\n" {
		t.Errorf("body = %#v, want input hello", message.Body)
	}

	if err := f.client.SendShutdown(ctx, "w1", 3*time.Second, "maintenance"); err != nil {
		t.Fatalf("SendShutdown: %v", err)
	}
	message = testutil.RequireReceive(t, worker.Messages(), testutil.DefaultTimeout, "shutdown")
	shutdown, ok := message.Body.(*control.Shutdown)
	if !ok || shutdown.GracefulTimeout != 3*time.Second || shutdown.Reason != "maintenance" {
		t.Errorf("body = %#v", message.Body)
	}
}

func TestStatusReflectsWorkerReports(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()
	if err := f.client.Register(ctx, "w1", "acct"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	worker := connectWorker(t, f, "w1")

	if err := worker.SendStatus(control.Status{State: control.StateRunning, PID: 4242, MemoryBytes: 1 << 20}); err != nil {
		t.Fatalf("SendStatus: %v", err)
	}
	if err := worker.SendOutput("line one\n", false); err != nil {
		t.Fatalf("SendOutput: %v", err)
	}

	var status StatusResponse
	testutil.RequireEventually(t, testutil.DefaultTimeout, func() bool {
		var err error
		status, err = f.client.Status(ctx)
		return err == nil && len(status.Workers) == 1 &&
			status.Workers[0].State == "running" && status.Workers[0].OutputBytes == 9
	}, "status to reflect worker reports")

	got := status.Workers[0]
	if !got.Connected || got.PID != 4242 || got.MemoryBytes != 1<<20 {
		t.Errorf("worker status = %+v", got)
	}
	if got.ConnectedAt.IsZero() || got.StatusAt.IsZero() {
		t.Errorf("timestamps missing: %+v", got)
	}

	output, err := f.client.Output(ctx, "w1", 0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if output.Data != "line one\n" || output.Start != 0 || output.Next != 9 {
		t.Errorf("output = %+v", output)
	}
	output, err = f.client.Output(ctx, "w1", output.Next)
	if err != nil {
		t.Fatalf("Output at end: %v", err)
	}
	if output.Data != "" || output.Next != 9 {
		t.Errorf("output at end = %+v", output)
	}
}

func TestRejectsUnlistedPeer(t *testing.T) {
	self := control.CurrentIdentity()
	f := startServer(t, self.UID+1)

	_, err := f.client.Status(context.Background())
	var serviceErr *service.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error = %v, want *service.ServiceError", err)
	}
	if want := fmt.Sprintf("uid %d", self.UID); !strings.Contains(serviceErr.Message, want) {
		t.Errorf("message = %q, want it to mention %q", serviceErr.Message, want)
	}
}

func TestRawStatus(t *testing.T) {
	f := startServer(t)
	data, err := f.client.Raw(context.Background(), ActionStatus, nil)
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	diagnostic, err := codec.Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"instance_id"`) {
		t.Errorf("diagnostic %s lacks instance_id", diagnostic)
	}
}

func TestNewServerValidation(t *testing.T) {
	tests := []struct {
		name   string
		config ServerConfig
	}{
		{"no socket", ServerConfig{Registry: &control.Registry{}, AllowedUIDs: []uint32{0}}},
		{"no registry", ServerConfig{SocketPath: "/tmp/x.sock", AllowedUIDs: []uint32{0}}},
		{"no uids", ServerConfig{SocketPath: "/tmp/x.sock", Registry: &control.Registry{}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewServer(test.config); err == nil {
				t.Error("NewServer succeeded, want error")
			}
		})
	}
}
