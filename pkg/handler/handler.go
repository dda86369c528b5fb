// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
)

// Direction indicates the direction of datagram flow.
type Direction int

const (
	// Upstream represents datagrams flowing from client to backend.
	Upstream Direction = iota

	// Downstream represents datagrams flowing from backend to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Context carries the metadata of one forwarding session. It is built
// when the session is created and passed to every Handler callback for
// that session.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol is the classified protocol tag (wireguard, quic)
	Protocol string

	// Target is the backend address this session forwards to
	Target string
}

// Handler receives notifications about session lifecycle events and
// relayed traffic. Callbacks are notification hooks for audit logging
// or metrics; errors returned from them are logged by the caller but
// never affect forwarding.
type Handler interface {
	// OnSessionOpen is called once after a forwarding session has been
	// created and its backend socket connected.
	OnSessionOpen(ctx context.Context, hctx *Context) error

	// OnDatagram is called for every datagram relayed through a session,
	// in either direction. size is the datagram length in bytes.
	OnDatagram(ctx context.Context, hctx *Context, dir Direction, size int) error

	// OnSessionClose is called exactly once when a session terminates.
	// reason describes the terminal transition (idle, backend_error,
	// shutdown, reaped).
	OnSessionClose(ctx context.Context, hctx *Context, reason string) error
}

// NoopHandler is a Handler implementation that ignores all events.
// Useful for testing or when no instrumentation is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnSessionOpen(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDatagram(ctx context.Context, hctx *Context, dir Direction, size int) error {
	return nil
}

func (h *NoopHandler) OnSessionClose(ctx context.Context, hctx *Context, reason string) error {
	return nil
}
