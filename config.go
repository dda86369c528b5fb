// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udpdemux provides configuration for the UDP demultiplexing proxy.
package udpdemux

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the proxy configuration, loaded from environment variables.
type Config struct {
	// ListenAddress is the client-facing UDP listen address.
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:"0.0.0.0:8080"`

	// WireGuardTarget is the backend address for WireGuard-classified datagrams.
	WireGuardTarget string `env:"WIREGUARD_TARGET" envDefault:"wireguard:51820"`

	// QUICTarget is the backend address for all other datagrams.
	QUICTarget string `env:"QUIC_TARGET" envDefault:"http3-server:8443"`

	// SessionTimeout is the idle timeout after which a forwarding session
	// is reclaimed.
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"30s"`

	// ShutdownTimeout is the maximum time to wait for sessions to drain
	// during graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// BufferSize is the datagram receive buffer size in bytes.
	BufferSize int `env:"BUFFER_SIZE" envDefault:"65536"`

	// QueueSize is the per-session outbound datagram queue capacity.
	QueueSize int `env:"QUEUE_SIZE" envDefault:"100"`

	// MaxSessions caps concurrent forwarding sessions. 0 means unlimited.
	MaxSessions int `env:"MAX_SESSIONS" envDefault:"0"`

	// RateLimitCapacity is the per-client token bucket capacity in
	// datagrams. 0 disables rate limiting.
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`

	// RateLimitRefill is the per-client refill rate in datagrams per second.
	RateLimitRefill int64 `env:"RATE_LIMIT_REFILL" envDefault:"0"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8081"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig loads configuration from the environment using the given options.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
