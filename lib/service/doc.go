// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the local admin socket: a CBOR
// request-response protocol on a Unix socket, one request per
// connection.
//
// The server dispatches on the request's "action" field and answers
// with {ok, error, data}. Before reading a request it checks the
// peer's SO_PEERCRED identity against an optional authorizer and
// makes the credentials available to handlers via PeerFromContext.
//
//	server := service.NewSocketServer(path, logger)
//	server.SetAuthorizer(policy.Authorize)
//	server.Handle("status", handleStatus)
//	err := server.Serve(ctx)
//
//	client := service.NewServiceClient(path)
//	err := client.Call(ctx, "status", nil, &result)
package service
