// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically removes forwarding sessions whose last activity
// exceeds the idle timeout. Sessions normally reclaim themselves
// through their own idle timer; the reaper is a redundancy net for
// sessions whose relay loop died without cleanup. Removal goes through
// the identity-checked registry delete, so a sweep never evicts a
// session recreated under the same key.
type Reaper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewReaper creates a reaper sweeping at half the idle timeout.
func NewReaper(registry *Registry, timeout time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		timeout:  timeout,
		interval: timeout / 2,
		now:      time.Now,
		logger:   logger,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep reclaims every stale session once and returns the number reclaimed.
func (r *Reaper) Sweep() int {
	now := r.now()
	reaped := 0

	for key, sess := range r.registry.snapshot() {
		if now.Sub(sess.LastActivity()) <= r.timeout {
			continue
		}
		r.logger.Debug("reaping idle session",
			slog.String("session", sess.ID),
			slog.String("key", key.String()))
		sess.terminate(ReasonReaped, nil)
		reaped++
	}

	if reaped > 0 {
		r.logger.Debug("reaped idle sessions", slog.Int("count", reaped))
	}
	return reaped
}
