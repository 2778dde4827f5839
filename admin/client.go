// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"time"

	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/service"
)

// Client is a typed wrapper over the admin socket.
type Client struct {
	service *service.ServiceClient
}

// NewClient returns a client for the admin socket at socketPath. No
// connection is made until the first call.
func NewClient(socketPath string) *Client {
	return &Client{service: service.NewServiceClient(socketPath)}
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var response StatusResponse
	err := c.service.Call(ctx, ActionStatus, nil, &response)
	return response, err
}

func (c *Client) Register(ctx context.Context, workerID, principal string) error {
	return c.service.Call(ctx, ActionRegister, map[string]any{
		"worker_id": workerID,
		"principal": principal,
	}, nil)
}

func (c *Client) Unregister(ctx context.Context, workerID string) error {
	return c.service.Call(ctx, ActionUnregister, map[string]any{
		"worker_id": workerID,
	}, nil)
}

// SendCommand returns the id of the sent command message.
func (c *Client) SendCommand(ctx context.Context, workerID, command, payload string, timeout time.Duration) (string, error) {
	var response SendCommandResponse
	err := c.service.Call(ctx, ActionSendCommand, map[string]any{
		"worker_id": workerID,
		"command":   command,
		"payload":   payload,
		"timeout":   int64(timeout),
	}, &response)
	return response.MessageID, err
}

func (c *Client) SendInput(ctx context.Context, workerID, text string) error {
	return c.service.Call(ctx, ActionSendInput, map[string]any{
		"worker_id": workerID,
		"text":      text,
	}, nil)
}

func (c *Client) SendShutdown(ctx context.Context, workerID string, gracefulTimeout time.Duration, reason string) error {
	return c.service.Call(ctx, ActionSendShutdown, map[string]any{
		"worker_id":        workerID,
		"graceful_timeout": int64(gracefulTimeout),
		"reason":           reason,
	}, nil)
}

func (c *Client) Output(ctx context.Context, workerID string, offset uint64) (OutputResponse, error) {
	var response OutputResponse
	err := c.service.Call(ctx, ActionOutput, map[string]any{
		"worker_id": workerID,
		"offset":    offset,
	}, &response)
	return response, err
}

// Raw performs an action and returns the undecoded response data.
func (c *Client) Raw(ctx context.Context, action string, fields map[string]any) (codec.RawMessage, error) {
	return c.service.CallRaw(ctx, action, fields)
}
