// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/warden/admin"
	"github.com/bureau-foundation/warden/control"
	"github.com/bureau-foundation/warden/lib/service"
	"github.com/bureau-foundation/warden/lib/testutil"
	"github.com/bureau-foundation/warden/lib/version"
)

type selfResolver struct{}

func (selfResolver) LookupPrincipal(string) (control.Identity, error) {
	return control.CurrentIdentity(), nil
}

// startAgent runs a registry behind an admin socket and returns the
// socket path.
func startAgent(t *testing.T) (*control.Registry, string) {
	t.Helper()
	dir := testutil.SocketDir(t)
	self := control.CurrentIdentity()
	registry, err := control.NewRegistry(control.RegistryConfig{
		InstanceID: "ctl",
		RunDir:     dir,
		Resolver:   selfResolver{},
		Agent:      &self,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Stop)
	if err := registry.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	socketPath := filepath.Join(dir, "admin.sock")
	server, err := admin.NewServer(admin.ServerConfig{
		SocketPath:  socketPath,
		InstanceID:  "ctl",
		Registry:    registry,
		AllowedUIDs: []uint32{self.UID},
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
		testutil.RequireReceive(t, done, testutil.DefaultTimeout, "admin server exit")
	})
	testutil.RequireClosed(t, server.Ready(), testutil.DefaultTimeout, "admin server ready")
	return registry, socketPath
}

func ctl(t *testing.T, socket string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(append(args, "--socket", socket), &out)
	return out.String(), err
}

func TestStatusTable(t *testing.T) {
	_, socket := startAgent(t)
	if _, err := ctl(t, socket, "register", "build-1", "ci"); err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := ctl(t, socket, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"instance ctl", "WORKER", "build-1", "ci", "false"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output lacks %q:\n%s", want, out)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	_, socket := startAgent(t)
	if _, err := ctl(t, socket, "register", "build-1", "ci"); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := ctl(t, socket, "status", "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status admin.StatusResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decoding %s: %v", out, err)
	}
	if len(status.Workers) != 1 || status.Workers[0].WorkerID != "build-1" {
		t.Errorf("status = %+v", status)
	}
}

func TestStatusRaw(t *testing.T) {
	_, socket := startAgent(t)
	out, err := ctl(t, socket, "status", "--raw")
	if err != nil {
		t.Fatalf("status --raw: %v", err)
	}
	if !strings.Contains(out, `"instance_id"`) || !strings.Contains(out, `"ctl"`) {
		t.Errorf("diagnostic output = %s", out)
	}
}

func TestCommandAndOutput(t *testing.T) {
	registry, socket := startAgent(t)
	if _, err := ctl(t, socket, "register", "w1", "ci"); err != nil {
		t.Fatalf("register: %v", err)
	}
	info, _ := registry.Worker("w1")
	var client *control.Client
	testutil.RequireEventually(t, testutil.DefaultTimeout, func() bool {
		var err error
		client, err = control.Dial(context.Background(), info.SocketPath, "w1", nil)
		return err == nil
	}, "worker channel")
	t.Cleanup(func() { client.Close() })
	testutil.RequireEventually(t, testutil.DefaultTimeout, func() bool {
		return registry.IsConnected("w1")
	}, "worker connected")

	out, err := ctl(t, socket, "command", "w1", "restart", "--command-timeout", "2s")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if !strings.Contains(out, "sent restart to w1") {
		t.Errorf("command output = %q", out)
	}
	message := testutil.RequireReceive(t, client.Messages(), testutil.DefaultTimeout, "command")
	command, ok := message.Body.(*control.Command)
	if !ok || command.Kind != control.CommandRestart || command.Timeout != 2*time.Second {
		t.Errorf("worker received %#v", message.Body)
	}

	if _, err := ctl(t, socket, "input", "w1", "hello", "world"); err != nil {
		t.Fatalf("input: %v", err)
	}
	message = testutil.RequireReceive(t, client.Messages(), testutil.DefaultTimeout, "input")
	if input, ok := message.Body.(*control.Input); !ok || input.Data != "hello world\n" {
		t.Errorf("worker received %#v", message.Body)
	}

	if err := client.SendOutput("first\n", false); err != nil {
		t.Fatalf("SendOutput: %v", err)
	}
	testutil.RequireEventually(t, testutil.DefaultTimeout, func() bool {
		out, err = ctl(t, socket, "output", "w1")
		return err == nil && out == "first\n"
	}, "output to be retained")

	out, err = ctl(t, socket, "output", "w1", "--offset", "3")
	if err != nil || out != "st\n" {
		t.Errorf("output --offset 3 = (%q, %v), want st", out, err)
	}
}

func TestErrors(t *testing.T) {
	_, socket := startAgent(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"missing args", []string{"register", "only-id"}, "expected WORKER_ID PRINCIPAL"},
		{"unregistered", []string{"unregister", "ghost"}, "not registered"},
		{"disconnected", []string{"shutdown", "ghost"}, "not connected"},
		{"raw unsupported", []string{"register", "a", "b", "--raw"}, "--raw is supported"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ctl(t, socket, test.args...)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("error = %v, want it to contain %q", err, test.want)
			}
		})
	}
}

func TestServiceErrorSurface(t *testing.T) {
	_, socket := startAgent(t)
	_, err := ctl(t, socket, "unregister", "ghost")
	var serviceErr *service.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error = %v, want a wrapped *service.ServiceError", err)
	}
	if serviceErr.Action != admin.ActionUnregister {
		t.Errorf("Action = %q", serviceErr.Action)
	}
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, c := range commands() {
		if !strings.Contains(out.String(), c.usage) {
			t.Errorf("usage lacks %q", c.usage)
		}
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"--version"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "bureau-warden-ctl "+version.Info()) {
		t.Errorf("output = %q, want version info", out.String())
	}
	if !strings.Contains(out.String(), runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("output = %q lacks platform", out.String())
	}
}
