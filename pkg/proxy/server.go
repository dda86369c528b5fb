// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zegevlier/udpdemux/pkg/breaker"
	"github.com/zegevlier/udpdemux/pkg/classifier"
	demuxerrors "github.com/zegevlier/udpdemux/pkg/errors"
	"github.com/zegevlier/udpdemux/pkg/handler"
	"github.com/zegevlier/udpdemux/pkg/metrics"
	"github.com/zegevlier/udpdemux/pkg/ratelimit"
)

const (
	// DefaultSessionTimeout is the default idle timeout for forwarding sessions.
	DefaultSessionTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a relayed UDP datagram.
	MaxDatagramSize = 65536

	// DefaultBufferSize is the default receive buffer size.
	DefaultBufferSize = 65536

	// DefaultQueueSize is the default per-session outbound queue capacity.
	DefaultQueueSize = 100

	// hexPreviewLen bounds debug hex dumps of received datagrams.
	hexPreviewLen = 32
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the demux proxy configuration.
type Config struct {
	// ListenAddress is the client-facing UDP listen address (host:port).
	ListenAddress string

	// WireGuardTarget is the backend address for WireGuard-tagged datagrams.
	WireGuardTarget string

	// QUICTarget is the backend address for everything else.
	QUICTarget string

	// SessionTimeout is the idle timeout for forwarding sessions.
	SessionTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for sessions to drain
	// during graceful shutdown.
	ShutdownTimeout time.Duration

	// BufferSize is the datagram receive buffer size in bytes.
	// Capped at MaxDatagramSize.
	BufferSize int

	// QueueSize is the per-session outbound queue capacity.
	QueueSize int

	// MaxSessions caps concurrent forwarding sessions. 0 means unlimited.
	MaxSessions int

	// RateLimitCapacity and RateLimitRefill configure per-client datagram
	// rate limiting. Capacity 0 disables it.
	RateLimitCapacity int64
	RateLimitRefill   int64

	// Breaker configures the backend dial circuit breakers.
	Breaker breaker.Config

	// Metrics, when set, receives traffic counters. Session lifecycle
	// metrics are reported through the Handler instead.
	Metrics *metrics.Metrics

	// Logger for server events.
	Logger *slog.Logger
}

// Server is the demultiplexing UDP proxy: the single reader of the
// client-facing socket. Each datagram is classified by its header
// bytes, routed to the forwarding session for its (client, protocol)
// key, and relayed to that protocol's backend.
type Server struct {
	config   Config
	registry *Registry
	limiter  *ratelimit.Limiter

	mu   sync.Mutex
	addr net.Addr
}

// New creates a demux proxy server. h receives session lifecycle
// notifications; pass nil for none.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	registry := NewRegistry(RegistryConfig{
		IdleTimeout: cfg.SessionTimeout,
		BufferSize:  cfg.BufferSize,
		QueueSize:   cfg.QueueSize,
		MaxSessions: cfg.MaxSessions,
		Breaker:     cfg.Breaker,
		Handler:     h,
		Logger:      cfg.Logger,
	})

	return &Server{
		config:   cfg,
		registry: registry,
		limiter:  limiter,
	}
}

// Registry exposes the session registry, for health checks and tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the bound client-facing address, or nil before Listen
// has bound the socket.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setAddr(addr net.Addr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

// Listen binds the client-facing socket and blocks until the context is
// cancelled. A bind failure is fatal and returned before the receive
// loop starts; a receive error inside the loop is logged and skipped.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.ListenAddress)
	if err != nil {
		return demuxerrors.Wrap(err, "failed to resolve address "+s.config.ListenAddress)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return demuxerrors.Wrap(err, "failed to listen on "+s.config.ListenAddress)
	}
	defer conn.Close()
	s.setAddr(conn.LocalAddr())

	s.config.Logger.Info("demux proxy started",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("wireguard_target", s.config.WireGuardTarget),
		slog.String("quic_target", s.config.QUICTarget),
		slog.Duration("session_timeout", s.config.SessionTimeout))

	// Redundancy sweep for sessions whose relay loop died without
	// self-cleanup; the primary idle path is the in-session timer.
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go NewReaper(s.registry, s.config.SessionTimeout, s.config.Logger).Run(sweepCtx)

	// Unused limiter buckets are pruned on the same lifetime, so the
	// per-client map stays bounded under source address churn.
	if s.limiter != nil {
		go s.limiter.Run(sweepCtx, ratelimit.DefaultPruneAfter/2)
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, s.config.BufferSize)
			return &buf
		},
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			bufPtr := bufferPool.Get().(*[]byte)
			buffer := *bufPtr

			n, clientAddr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				bufferPool.Put(bufPtr)
				select {
				case <-ctx.Done():
					return
				default:
					s.config.Logger.Error("failed to read datagram",
						slog.String("error", err.Error()))
					if s.config.Metrics != nil {
						s.config.Metrics.ReceiveErrors.Inc()
					}
					continue
				}
			}

			// The pool buffer is reused immediately; the session owns a copy.
			datagram := make([]byte, n)
			copy(datagram, buffer[:n])
			bufferPool.Put(bufPtr)

			s.handleDatagram(ctx, conn, clientAddr, datagram)
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	return s.registry.DrainAll(s.config.ShutdownTimeout)
}

// handleDatagram classifies one datagram and hands it to its session.
// It never blocks on backend I/O: session creation dials a local socket
// and the session handoff is a non-blocking queue send.
func (s *Server) handleDatagram(ctx context.Context, conn *net.UDPConn, clientAddr *net.UDPAddr, data []byte) {
	client := clientAddr.String()

	if s.limiter != nil && !s.limiter.Allow(client) {
		s.config.Logger.Warn("rate limit exceeded, dropping datagram",
			slog.String("client", client))
		if s.config.Metrics != nil {
			s.config.Metrics.RateLimitedTotal.Inc()
			s.config.Metrics.DroppedTotal.WithLabelValues("rate_limited").Inc()
		}
		return
	}

	protocol := classifier.Classify(data)
	if s.config.Metrics != nil {
		s.config.Metrics.ClassificationsTotal.WithLabelValues(protocol.String()).Inc()
	}

	if s.config.Logger.Enabled(ctx, slog.LevelDebug) {
		preview := data
		if len(preview) > hexPreviewLen {
			preview = preview[:hexPreviewLen]
		}
		attrs := []any{
			slog.String("client", client),
			slog.String("protocol", protocol.String()),
			slog.Int("size", len(data)),
			slog.String("data", hex.EncodeToString(preview)),
		}
		if kind := classifier.MessageKind(data); kind != "" {
			attrs = append(attrs, slog.String("message", kind))
		}
		s.config.Logger.Debug("datagram received", attrs...)
	}

	key := SessionKey{Client: client, Protocol: protocol}
	target := s.targetFor(protocol)

	sess, _, err := s.registry.LookupOrCreate(ctx, key, clientAddr, target, conn)
	if err != nil {
		s.config.Logger.Warn("failed to get or create session",
			slog.String("client", client),
			slog.String("protocol", protocol.String()),
			slog.String("error", err.Error()))
		if s.config.Metrics != nil {
			s.config.Metrics.DroppedTotal.WithLabelValues("session_error").Inc()
			// Session-limit and breaker-open rejections never reach a dial.
			if errors.Is(err, demuxerrors.ErrBackendUnavailable) {
				s.config.Metrics.BackendDialErrors.WithLabelValues(target).Inc()
			}
		}
		return
	}

	if err := sess.Enqueue(data); err != nil {
		s.config.Logger.Warn("dropping datagram",
			slog.String("session", sess.ID),
			slog.String("client", client),
			slog.String("error", err.Error()))
		if s.config.Metrics != nil {
			reason := "queue_full"
			if errors.Is(err, demuxerrors.ErrSessionClosed) {
				reason = "session_closed"
			}
			s.config.Metrics.DroppedTotal.WithLabelValues(reason).Inc()
		}
	}
}

// targetFor maps a protocol tag to its backend address.
func (s *Server) targetFor(p classifier.Protocol) string {
	if p == classifier.WireGuard {
		return s.config.WireGuardTarget
	}
	return s.config.QUICTarget
}
