// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	demuxerrors "github.com/zegevlier/udpdemux/pkg/errors"
	"github.com/zegevlier/udpdemux/pkg/handler"
)

// State is the lifecycle state of a forwarding session.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Termination reasons reported to OnSessionClose.
const (
	ReasonIdle         = "idle"
	ReasonBackendError = "backend_error"
	ReasonShutdown     = "shutdown"
	ReasonReaped       = "reaped"
)

// ClientWriter sends datagrams back to clients on the client-facing
// socket. *net.UDPConn satisfies it.
type ClientWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// inboundEvent is one backend read result delivered to the relay loop.
type inboundEvent struct {
	data []byte
	err  error
}

// Session relays datagrams between one client and one backend. It owns
// its backend socket exclusively: the read pump is the only reader and
// the relay loop is the only writer. The relay loop races outbound
// datagrams from the listener, inbound datagrams from the backend, the
// idle timer, and context cancellation; whichever terminal event wins
// transitions the session to Terminated exactly once and deregisters it
// from the registry.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// Key is the (client, protocol) registry key this session serves
	Key SessionKey

	// ClientAddr is the client's UDP address
	ClientAddr *net.UDPAddr

	// Target is the backend address this session forwards to
	Target string

	backend *net.UDPConn
	out     ClientWriter

	outbound chan []byte
	inbound  chan inboundEvent

	state       atomic.Int32
	idleTimeout time.Duration
	bufferSize  int

	mu           sync.Mutex
	lastActivity time.Time

	created time.Time
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	remove  func(*Session)
	handler handler.Handler
	hctx    *handler.Context
	logger  *slog.Logger
}

// sessionParams carries everything a session needs beyond its identity.
type sessionParams struct {
	idleTimeout time.Duration
	bufferSize  int
	queueSize   int
	now         func() time.Time
	remove      func(*Session)
	handler     handler.Handler
	logger      *slog.Logger
}

func newSession(ctx context.Context, key SessionKey, clientAddr *net.UDPAddr, backend *net.UDPConn, target string, out ClientWriter, p sessionParams) *Session {
	sessCtx, sessCancel := context.WithCancel(ctx)

	id := uuid.New().String()
	s := &Session{
		ID:          id,
		Key:         key,
		ClientAddr:  clientAddr,
		Target:      target,
		backend:     backend,
		out:         out,
		outbound:    make(chan []byte, p.queueSize),
		inbound:     make(chan inboundEvent, 1),
		idleTimeout: p.idleTimeout,
		bufferSize:  p.bufferSize,
		now:         p.now,
		ctx:         sessCtx,
		cancel:      sessCancel,
		remove:      p.remove,
		handler:     p.handler,
		logger:      p.logger,
		hctx: &handler.Context{
			SessionID:  id,
			RemoteAddr: clientAddr.String(),
			Protocol:   key.Protocol.String(),
			Target:     target,
		},
	}
	s.created = s.now()
	s.lastActivity = s.created
	s.state.Store(int32(StateCreated))
	return s
}

// start transitions the session to Active and launches its relay loop
// and backend read pump.
func (s *Session) start() {
	s.state.CompareAndSwap(int32(StateCreated), int32(StateActive))
	go s.readPump()
	go s.run()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Enqueue hands one client datagram to the relay loop without blocking.
// It returns ErrSessionClosed when the session is no longer active and
// ErrQueueFull when the queue is saturated; the caller drops the
// datagram either way.
func (s *Session) Enqueue(data []byte) error {
	if s.State() != StateActive {
		return demuxerrors.ErrSessionClosed
	}
	select {
	case s.outbound <- data:
		return nil
	default:
		return demuxerrors.ErrQueueFull
	}
}

// Close requests termination. Safe to call any number of times and from
// any goroutine; the relay loop performs the actual teardown.
func (s *Session) Close() {
	s.cancel()
}

// run is the relay loop: the sole writer of the backend socket and the
// sole sender toward the client for this session.
func (s *Session) run() {
	timer := time.NewTimer(s.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case data := <-s.outbound:
			if _, err := s.backend.Write(data); err != nil {
				s.terminate(ReasonBackendError, err)
				return
			}
			s.Touch()
			s.notifyDatagram(handler.Upstream, len(data))

		case ev := <-s.inbound:
			if ev.err != nil {
				s.terminate(ReasonBackendError, ev.err)
				return
			}
			if _, err := s.out.WriteToUDP(ev.data, s.ClientAddr); err != nil {
				s.terminate(ReasonBackendError, err)
				return
			}
			s.Touch()
			s.notifyDatagram(handler.Downstream, len(ev.data))

		case <-timer.C:
			idle := s.now().Sub(s.LastActivity())
			if idle >= s.idleTimeout {
				s.terminate(ReasonIdle, nil)
				return
			}
			timer.Reset(s.idleTimeout - idle)

		case <-s.ctx.Done():
			s.terminate(ReasonShutdown, nil)
			return
		}
	}
}

// readPump is the sole reader of the backend socket. It forwards read
// results to the relay loop and exits on the first error; closing the
// backend socket during teardown unblocks it.
func (s *Session) readPump() {
	for {
		buf := make([]byte, s.bufferSize)
		n, err := s.backend.Read(buf)

		var ev inboundEvent
		if err != nil {
			ev = inboundEvent{err: err}
		} else {
			ev = inboundEvent{data: buf[:n]}
		}

		select {
		case s.inbound <- ev:
		case <-s.ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

// terminate performs the single terminal transition: it wins at most
// once, no matter how many paths race into it.
func (s *Session) terminate(reason string, err error) {
	for {
		cur := s.state.Load()
		if cur == int32(StateTerminated) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateTerminated)) {
			break
		}
	}

	s.cancel()
	s.backend.Close()
	s.remove(s)

	if err != nil {
		s.logger.Debug("session terminated",
			slog.String("session", s.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	} else {
		s.logger.Debug("session terminated",
			slog.String("session", s.ID),
			slog.String("reason", reason))
	}

	if herr := s.handler.OnSessionClose(context.Background(), s.hctx, reason); herr != nil {
		s.logger.Error("session close handler error",
			slog.String("session", s.ID),
			slog.String("error", herr.Error()))
	}
}

func (s *Session) notifyDatagram(dir handler.Direction, size int) {
	if err := s.handler.OnDatagram(s.ctx, s.hctx, dir, size); err != nil {
		s.logger.Debug("datagram handler error",
			slog.String("session", s.ID),
			slog.String("direction", dir.String()),
			slog.String("error", err.Error()))
	}
}
