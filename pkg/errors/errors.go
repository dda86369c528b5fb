// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the demux proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrBackendUnavailable indicates the backend could not be dialed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrSessionLimit indicates the concurrent session cap was reached.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrSessionClosed indicates the session has already terminated.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull indicates a session's outbound queue was full and the
	// datagram was dropped.
	ErrQueueFull = errors.New("session queue full")
)

// SessionError wraps an error with forwarding-session context.
type SessionError struct {
	Op         string // Operation that failed (dial, relay, enqueue)
	Protocol   string // Classified protocol (wireguard, quic)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
