// File: registry/registry.go
// Package registry provides an explicit, caller-owned collection of live
// connections keyed by channel name. The transport core knows nothing
// about sibling connections; orchestration layers hold a Registry and
// enumerate or tear down connections through it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/momentics/chatlink/client"
	"github.com/momentics/chatlink/protocol"
)

// Registry maps channel keys to live connections. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*client.Conn
	log   zerolog.Logger
}

// New constructs an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*client.Conn),
		log:   logger,
	}
}

// Add registers conn under key. An empty key gets a generated one. The
// effective key is returned; a previous connection under the same key is
// closed and replaced.
func (r *Registry) Add(key string, conn *client.Conn) string {
	if key == "" {
		key = uuid.NewString()
	}
	r.mu.Lock()
	prev := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()

	if prev != nil {
		r.log.Warn().Str("channel", key).Msg("replacing existing connection")
		prev.Close(protocol.CloseGoingAway, "replaced")
	}
	r.log.Info().Str("channel", key).Str("conn", conn.ID()).Msg("connection registered")
	return key
}

// Get returns the connection for key, or nil.
func (r *Registry) Get(key string) *client.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[key]
}

// Remove drops key from the registry without closing the connection.
// It returns the removed connection, or nil.
func (r *Registry) Remove(key string) *client.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[key]
	delete(r.conns, key)
	return conn
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Each calls fn for every registered connection.
func (r *Registry) Each(fn func(key string, conn *client.Conn)) {
	r.mu.RLock()
	snapshot := make(map[string]*client.Conn, len(r.conns))
	for k, c := range r.conns {
		snapshot[k] = c
	}
	r.mu.RUnlock()

	for k, c := range snapshot {
		fn(k, c)
	}
}

// CloseAll closes and removes every registered connection.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*client.Conn)
	r.mu.Unlock()

	for key, c := range conns {
		r.log.Info().Str("channel", key).Msg("closing connection")
		c.Close(code, reason)
	}
}
