// File: api/handler.go
// Package api defines the connection lifecycle callback contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// EventHandler receives connection lifecycle callbacks. Each callback fires
// at most once per logical event, inside the connection's own goroutine;
// implementations must not block.
type EventHandler interface {
	// OnConnect fires once per successful handshake.
	OnConnect()

	// OnMessage delivers a complete text or binary payload.
	OnMessage(payload []byte)

	// OnError reports a handshake, protocol, transport, or timeout failure.
	// The connection remains in a well-defined state afterwards.
	OnError(err error)

	// OnDisconnect fires once when reconnection attempts are exhausted.
	// The connection is terminal until the caller dials again.
	OnDisconnect(reason string)

	// OnClose fires once when the connection reaches closed with close info.
	OnClose(code int, reason string)
}

// NopHandler discards all events. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) OnConnect()          {}
func (NopHandler) OnMessage([]byte)    {}
func (NopHandler) OnError(error)       {}
func (NopHandler) OnDisconnect(string) {}
func (NopHandler) OnClose(int, string) {}
