// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hook interface that links the forwarding
// pipeline to application logic.
//
// # Architecture Overview
//
// The Handler interface is the bridge between the datagram relay and
// application-level observability or policy. The proxy never inspects
// payloads beyond the classification header; handlers receive lifecycle
// and traffic events instead of parsed protocol operations.
//
// # Data Flow
//
//	Client → Classifier → Session (OnSessionOpen, OnDatagram) → Backend
//	Backend → Session (OnDatagram) → Client
//	Idle / error / shutdown → Session (OnSessionClose)
//
// # Handler Methods
//
//   - OnSessionOpen: Called once when a forwarding session is created
//   - OnDatagram: Called for each relayed datagram, with its direction and size
//   - OnSessionClose: Called exactly once when a session terminates, with the reason
//
// Handler errors are logged but never interrupt forwarding.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this forwarding session
//   - RemoteAddr: Client's network address
//   - Protocol: Classified protocol tag (wireguard, quic)
//   - Target: Backend address the session forwards to
//
// # Implementation
//
// Applications implement the Handler interface to integrate the proxy
// with their metrics or audit systems. The NoopHandler provides a
// pass-through implementation for testing or when no hooks are needed.
//
// # Example
//
//	type MyHandler struct {
//		logger *slog.Logger
//	}
//
//	func (h *MyHandler) OnSessionOpen(ctx context.Context, hctx *handler.Context) error {
//		h.logger.Info("session opened", "client", hctx.RemoteAddr, "protocol", hctx.Protocol)
//		return nil
//	}
package handler
