// File: client/config.go
// Package client provides a reconnecting WebSocket connection for chat
// services, with rate-limited sends, outbound queuing, and liveness pings.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all configurable parameters for a connection. It is
// snapshotted at construction time and immutable afterwards.
type Config struct {
	Timeout              time.Duration // handshake deadline
	ReconnectInterval    time.Duration // constant backoff between reconnect attempts
	MaxReconnectAttempts int           // 0 = no retry
	PingInterval         time.Duration // liveness ping period
	RateLimitMessages    int           // outbound sends admitted per window (0 = deny all)
	RateLimitWindow      time.Duration // trailing rate-limit window

	Headers      http.Header // extra handshake headers, e.g. Authorization
	TLSConfig    *tls.Config // TLS settings for wss; nil uses defaults
	VerifyAccept bool        // verify Sec-WebSocket-Accept on handshake
	Logger       zerolog.Logger
}

// DefaultConfig returns the configuration used when fields are left zero.
// The rate-limit defaults allow 100 messages per trailing 30 seconds.
func DefaultConfig() Config {
	return Config{
		Timeout:              10 * time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 5,
		PingInterval:         30 * time.Second,
		RateLimitMessages:    100,
		RateLimitWindow:      30 * time.Second,
		VerifyAccept:         true,
		Logger:               zerolog.Nop(),
	}
}
