// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zegevlier/udpdemux/pkg/handler"
	"github.com/zegevlier/udpdemux/pkg/metrics"
)

// InstrumentedHandler wraps a handler and feeds session lifecycle and
// traffic metrics to Prometheus.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	opened map[string]time.Time
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// NewInstrumentedHandler creates an instrumented handler wrapping next.
func NewInstrumentedHandler(next handler.Handler, m *metrics.Metrics, logger *slog.Logger) *InstrumentedHandler {
	return &InstrumentedHandler{
		handler: next,
		metrics: m,
		logger:  logger,
		opened:  make(map[string]time.Time),
	}
}

// OnSessionOpen implements handler.Handler.
func (h *InstrumentedHandler) OnSessionOpen(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.opened[hctx.SessionID] = time.Now()
	h.mu.Unlock()

	h.metrics.ObserveSessionOpen(hctx.Protocol)
	return h.handler.OnSessionOpen(ctx, hctx)
}

// OnDatagram implements handler.Handler.
func (h *InstrumentedHandler) OnDatagram(ctx context.Context, hctx *handler.Context, dir handler.Direction, size int) error {
	h.metrics.ObserveDatagram(hctx.Protocol, dir.String(), size)
	return h.handler.OnDatagram(ctx, hctx, dir, size)
}

// OnSessionClose implements handler.Handler.
func (h *InstrumentedHandler) OnSessionClose(ctx context.Context, hctx *handler.Context, reason string) error {
	h.mu.Lock()
	opened, ok := h.opened[hctx.SessionID]
	delete(h.opened, hctx.SessionID)
	h.mu.Unlock()

	var lifetime time.Duration
	if ok {
		lifetime = time.Since(opened)
	}
	h.metrics.ObserveSessionClose(hctx.Protocol, reason, lifetime)
	return h.handler.OnSessionClose(ctx, hctx, reason)
}
