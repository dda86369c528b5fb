// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements a transparent UDP demultiplexing proxy with
// per-client session management.
//
// # Overview
//
// One public socket receives datagrams from all clients. Each datagram
// is classified by its first header bytes as WireGuard or QUIC and
// forwarded to the backend for that protocol; backend replies are
// relayed back to the originating client. The proxy never parses
// payloads beyond the header bytes and never terminates the higher
// protocols.
//
// # Architecture
//
//	┌─────────┐         ┌──────────┐         ┌────────────────┐
//	│ Client  │ ←─UDP─→ │  Server  │ ←─UDP─→ │ WireGuard peer │
//	└─────────┘         └──────────┘    │    └────────────────┘
//	                         │          │    ┌────────────────┐
//	                         ↓          └──→ │  QUIC backend  │
//	                   ┌──────────┐          └────────────────┘
//	                   │Classifier│
//	                   └──────────┘
//	                         ↓
//	                   ┌──────────┐       ┌─────────┐
//	                   │ Registry │ ────→ │ Session │ (one per key)
//	                   └──────────┘       └─────────┘
//
// # Session Keys
//
// Sessions are keyed by (client address, protocol tag). The composite
// key matters: a client sending WireGuard and QUIC traffic from the
// same source port gets two sessions with two independent backend
// sockets. Keying by address alone would silently share one socket
// across protocols.
//
// # Datagram Flow
//
//	1. Server reads one datagram from the client-facing socket
//	2. Classifier tags it from the first four header bytes
//	3. Registry returns the session for (client, tag), dialing the
//	   backend and creating the session on first sight
//	4. The datagram is enqueued to the session without blocking
//	5. The session relay loop writes it to the backend socket
//	6. Backend replies flow back through the same session to the client
//
// # Session Lifecycle
//
//	Created ──→ Active ──→ Terminated
//
// A session terminates exactly once, whichever of these happens first:
// its idle timer fires with no intervening activity, its backend socket
// errors, or the proxy shuts down. Termination closes the backend
// socket and removes the session from the registry; the removal is
// identity-checked so late cleanup never evicts a fresh session created
// under the same key. A Reaper sweep backs up the in-session timer for
// sessions whose relay loop died without self-cleanup.
//
// # Failure Isolation
//
// A send or receive error on one session terminates only that session.
// The client sees silence, consistent with UDP delivery semantics; its
// next datagram creates a fresh session with a new backend socket.
// Receive errors on the client-facing socket are logged and skipped;
// only a bind failure at startup is fatal.
package proxy
