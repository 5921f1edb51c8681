// File: queue/queue.go
// Package queue implements the ordered buffer of outbound payloads awaiting
// rate-limit admission or connection readiness. Insertion order is send
// order; payloads leave the queue only once a send attempt is accepted.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package queue

import eapache "github.com/eapache/queue"

// Sink attempts to send one payload. It reports whether the payload was
// accepted; a rejected payload stays at the head of the queue.
type Sink func(payload []byte) bool

// Queue is a FIFO of pending outbound payloads. Not safe for concurrent
// use; the owning connection serializes access.
type Queue struct {
	q *eapache.Queue
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{q: eapache.New()}
}

// Enqueue appends payload to the tail.
func (m *Queue) Enqueue(payload []byte) {
	m.q.Add(payload)
}

// Drain hands payloads to sink in FIFO order until the queue is empty or
// sink rejects one. Rejected and subsequent payloads stay queued in their
// original order.
func (m *Queue) Drain(sink Sink) {
	for m.q.Length() > 0 {
		head := m.q.Peek().([]byte)
		if !sink(head) {
			return
		}
		m.q.Remove()
	}
}

// Len returns the number of pending payloads.
func (m *Queue) Len() int {
	return m.q.Length()
}

// Clear drops all pending payloads. This is the only way a payload is
// discarded without a send attempt.
func (m *Queue) Clear() {
	for m.q.Length() > 0 {
		m.q.Remove()
	}
}
