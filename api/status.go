// File: api/status.go
// Package api defines connection state and read-only status snapshots.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "time"

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

// String returns the lowercase name of the state.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// CloseInfo records the numeric close code and optional reason, set once
// when a close frame is sent or received or the transport fails.
type CloseInfo struct {
	Code   int
	Reason string
}

// Status is a read-only snapshot of a connection, taken without side effects.
type Status struct {
	State                ConnState
	Connected            bool
	Connecting           bool
	ReconnectAttempts    int
	MaxReconnectAttempts int
	QueueDepth           int
	RateWindowUsed       int
	RateWindowLimit      int
	LastPing             time.Time
	LastPong             time.Time
	Close                *CloseInfo
}
