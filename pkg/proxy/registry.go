// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zegevlier/udpdemux/pkg/breaker"
	"github.com/zegevlier/udpdemux/pkg/classifier"
	demuxerrors "github.com/zegevlier/udpdemux/pkg/errors"
	"github.com/zegevlier/udpdemux/pkg/handler"
)

// SessionKey identifies one forwarding session. A client sending both
// WireGuard and QUIC traffic from the same source port gets one session
// per protocol; keying by endpoint alone would share a single backend
// socket across protocols.
type SessionKey struct {
	// Client is the client's transport address in "ip:port" form.
	Client string

	// Protocol is the classified protocol tag.
	Protocol classifier.Protocol
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.Client, k.Protocol)
}

// RegistryConfig holds registry construction parameters.
type RegistryConfig struct {
	// IdleTimeout is the per-session idle timeout.
	IdleTimeout time.Duration

	// BufferSize is the backend receive buffer size in bytes.
	BufferSize int

	// QueueSize is the per-session outbound queue capacity.
	QueueSize int

	// MaxSessions caps concurrent sessions. 0 means unlimited.
	MaxSessions int

	// DialBackend dials the backend for a new session. Defaults to an
	// ephemeral-port UDP dial.
	DialBackend func(target string) (*net.UDPConn, error)

	// Breaker configures the per-target dial circuit breakers.
	Breaker breaker.Config

	// Handler receives session lifecycle notifications.
	Handler handler.Handler

	// Now is the clock used for activity timestamps.
	Now func() time.Time

	// Logger for registry events.
	Logger *slog.Logger
}

// Registry is the concurrency-safe mapping from SessionKey to live
// forwarding session. It guarantees at most one session per key; all
// mutation is serialized through one lock held only for map access and
// the non-blocking backend dial.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionKey]*Session

	breakers   map[string]*breaker.CircuitBreaker
	breakerCfg breaker.Config

	cfg RegistryConfig
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultSessionTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DialBackend == nil {
		cfg.DialBackend = dialBackend
	}

	return &Registry{
		sessions:   make(map[SessionKey]*Session),
		breakers:   make(map[string]*breaker.CircuitBreaker),
		breakerCfg: cfg.Breaker,
		cfg:        cfg,
	}
}

// dialBackend binds an ephemeral local socket and connects it to target.
func dialBackend(target string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backend address %s: %w", target, err)
	}
	return net.DialUDP("udp", nil, addr)
}

// LookupOrCreate returns the live session for key, creating one when
// absent. The boolean reports whether a new session was created. An
// existing session gets its activity bumped; a new one dials the
// backend, is inserted, started, and handed the caller's first datagram
// by the caller.
func (r *Registry) LookupOrCreate(ctx context.Context, key SessionKey, clientAddr *net.UDPAddr, target string, out ClientWriter) (*Session, bool, error) {
	// Fast path: read lock only.
	r.mu.RLock()
	if sess, ok := r.sessions[key]; ok {
		r.mu.RUnlock()
		sess.Touch()
		return sess, false, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()

	// Another goroutine may have won the race.
	if sess, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		sess.Touch()
		return sess, false, nil
	}

	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("%w (%d)", demuxerrors.ErrSessionLimit, r.cfg.MaxSessions)
	}

	// The dial binds and connects a local UDP socket; it never blocks on
	// the network, so holding the lock across it keeps hold time bounded.
	var backend *net.UDPConn
	dialErr := r.breakerFor(target).Call(func() error {
		var err error
		backend, err = r.cfg.DialBackend(target)
		return err
	})
	if dialErr != nil {
		r.mu.Unlock()
		// A breaker-open rejection never reached the dial; only genuine
		// dial failures carry the backend-unavailable sentinel.
		if !errors.Is(dialErr, breaker.ErrCircuitOpen) {
			dialErr = fmt.Errorf("%w: %w", demuxerrors.ErrBackendUnavailable, dialErr)
		}
		return nil, false, demuxerrors.New("dial", key.Protocol.String(), "", key.Client, dialErr)
	}

	sess := newSession(ctx, key, clientAddr, backend, target, out, sessionParams{
		idleTimeout: r.cfg.IdleTimeout,
		bufferSize:  r.cfg.BufferSize,
		queueSize:   r.cfg.QueueSize,
		now:         r.cfg.Now,
		remove:      func(s *Session) { r.Remove(key, s) },
		handler:     r.cfg.Handler,
		logger:      r.cfg.Logger,
	})
	// Start before publishing: a concurrent fast-path lookup must never
	// see a Created session refuse its datagram.
	sess.start()
	r.sessions[key] = sess
	r.mu.Unlock()

	r.cfg.Logger.Debug("new forwarding session",
		slog.String("session", sess.ID),
		slog.String("client", key.Client),
		slog.String("protocol", key.Protocol.String()),
		slog.String("backend", target))

	if err := r.cfg.Handler.OnSessionOpen(ctx, sess.hctx); err != nil {
		r.cfg.Logger.Error("session open handler error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}

	return sess, true, nil
}

// breakerFor returns the dial breaker for target, creating it lazily.
// Caller must hold mu.
func (r *Registry) breakerFor(target string) *breaker.CircuitBreaker {
	cb, ok := r.breakers[target]
	if !ok {
		cb = breaker.New(r.breakerCfg)
		r.breakers[target] = cb
	}
	return cb
}

// Get returns the live session for key, if any.
func (r *Registry) Get(key SessionKey) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[key]
	return sess, ok
}

// Remove deletes the mapping for key only if it still points at sess.
// Idempotent; a session recreated under the same key after sess died is
// never removed by sess's late cleanup.
func (r *Registry) Remove(key SessionKey, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[key]; ok && cur == sess {
		delete(r.sessions, key)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot returns the current key to session mapping. Used by the
// reaper so it never holds the registry lock while closing sessions.
func (r *Registry) snapshot() map[SessionKey]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[SessionKey]*Session, len(r.sessions))
	for k, s := range r.sessions {
		out[k] = s
	}
	return out
}

// ForceCloseAll closes every live session immediately.
func (r *Registry) ForceCloseAll() {
	for _, sess := range r.snapshot() {
		sess.Close()
	}
}

// DrainAll waits for all sessions to terminate on their own, forcing
// closure when the timeout expires.
func (r *Registry) DrainAll(timeout time.Duration) error {
	if r.Count() == 0 {
		return nil
	}
	r.cfg.Logger.Info("draining forwarding sessions", slog.Int("count", r.Count()))

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.Count() == 0 {
				r.cfg.Logger.Info("all sessions drained")
				return nil
			}
		case <-deadline:
			r.cfg.Logger.Warn("drain timeout exceeded, forcing session closure")
			r.ForceCloseAll()
			return ErrShutdownTimeout
		}
	}
}
