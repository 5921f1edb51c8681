// File: api/errors.go
// Package api defines the public contracts of the chatlink transport:
// error kinds, the transport binding, event callbacks, and status snapshots.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "fmt"

// Common sentinel errors used across the library.
var (
	ErrTransportClosed = fmt.Errorf("transport is closed")
	ErrNotConnected    = fmt.Errorf("connection is not open")
	ErrInvalidURL      = fmt.Errorf("invalid websocket url")
)

// HandshakeError reports a failed HTTP Upgrade exchange: bad status line,
// missing upgrade header, or Sec-WebSocket-Accept mismatch.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed: %s", e.Reason)
}

// ProtocolError reports malformed wire data: a reserved opcode, inconsistent
// length encoding, or a masked server frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol error: %s", e.Reason)
}

// TransportError wraps a socket-layer connect, read, or write failure.
type TransportError struct {
	Op  string // "dial", "read", "write", "close"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports an exceeded handshake or liveness deadline.
type TimeoutError struct {
	Op string // "handshake", "liveness"
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s deadline exceeded", e.Op)
}

// NewHandshakeError formats a HandshakeError.
func NewHandshakeError(format string, args ...any) *HandshakeError {
	return &HandshakeError{Reason: fmt.Sprintf(format, args...)}
}

// NewProtocolError formats a ProtocolError.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
