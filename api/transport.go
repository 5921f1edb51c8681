// File: api/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Defines the transport binding consumed by the connection state machine.
// The binding is injected at construction time so tests can substitute
// deterministic fakes without touching global state.

package api

import (
	"context"
	"crypto/tls"
	"time"
)

// Transport abstracts a full-duplex byte stream (TCP or TLS socket).
// Recv blocks until data arrives, the peer closes, or the stream errors.
type Transport interface {
	// Send writes buffer contents to the stream.
	Send(p []byte) error

	// Recv returns the next chunk of raw bytes from the stream.
	Recv() ([]byte, error)

	// IsOpen reports whether the stream is still usable.
	IsOpen() bool

	// Close shuts down the stream; idempotent.
	Close() error
}

// DeadlineTransport is implemented by transports that support I/O deadlines.
type DeadlineTransport interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a Transport to host:port. tlsConf selects wss (nil = plain ws).
type Dialer interface {
	Dial(ctx context.Context, addr string, tlsConf *tls.Config) (Transport, error)
}
