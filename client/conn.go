// File: client/conn.go
// Package client implements the connection state machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Conn is a single logical link to a chat endpoint. One goroutine (the
// run loop) owns all mutable connection state; public API calls post
// commands into that loop, so no field is ever touched from two threads
// of control. Lifecycle callbacks are dispatched in order on a separate
// goroutine and may safely call back into the Conn.

package client

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/momentics/chatlink/api"
	"github.com/momentics/chatlink/protocol"
	"github.com/momentics/chatlink/queue"
	"github.com/momentics/chatlink/ratelimit"
)

// Conn maintains a persistent WebSocket connection: handshake, framed I/O,
// rate-limited sends with flush-on-reconnect queuing, liveness pings, and
// bounded reconnection with constant backoff.
type Conn struct {
	id      string
	cfg     Config
	urlRaw  string
	addr    string
	secure  bool
	dialer  api.Dialer
	handler api.EventHandler
	log     zerolog.Logger

	cmds   chan func()
	events chan func()
	done   chan struct{}

	// State below is owned by the run loop goroutine.
	state      api.ConnState
	tr         api.Transport
	gen        int
	readCh     chan readEvent
	dialCh     chan dialResult
	readBuf    []byte
	fragOp     byte
	fragBuf    []byte
	limiter    *ratelimit.Limiter
	queue      *queue.Queue
	attempts   int
	lastPing   time.Time
	lastPong   time.Time
	closeInfo  *api.CloseInfo
	closeFired bool
	userClosed bool
	terminal   bool

	pingTicker     *time.Ticker
	reconnectTimer *time.Timer
}

type readEvent struct {
	gen  int
	data []byte
	err  error
}

type dialResult struct {
	gen      int
	tr       api.Transport
	leftover []byte
	err      error
}

// New constructs a Conn for rawURL with the given transport binding and
// lifecycle handler. The URL is validated up front; dialing starts when
// Connect is called.
func New(rawURL string, dialer api.Dialer, handler api.EventHandler, cfg Config) (*Conn, error) {
	_, addr, secure, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = api.NopHandler{}
	}

	id := uuid.NewString()
	c := &Conn{
		id:      id,
		cfg:     cfg,
		urlRaw:  rawURL,
		addr:    addr,
		secure:  secure,
		dialer:  dialer,
		handler: handler,
		log:     cfg.Logger.With().Str("conn", id).Str("url", rawURL).Logger(),
		cmds:    make(chan func(), 32),
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
		dialCh:  make(chan dialResult, 1),
		state:   api.StateClosed,
		limiter: ratelimit.New(cfg.RateLimitMessages, cfg.RateLimitWindow),
		queue:   queue.New(),
	}
	go c.run()
	go c.dispatch()
	return c, nil
}

// ID returns the unique identifier of this connection.
func (c *Conn) ID() string { return c.id }

// Connect initiates dialing and the opening handshake. It returns false if
// the connection has been closed, or if a connect is already in flight.
func (c *Conn) Connect() bool {
	return c.ask(func() bool {
		if c.state != api.StateClosed || c.userClosed {
			return false
		}
		c.terminal = false
		c.attempts = 0
		c.startDial()
		return true
	})
}

// Send transmits a text payload. If the connection is not open or the rate
// limiter denies admission, the payload is queued for the next drain and
// Send returns false. Otherwise the result is the write's success.
func (c *Conn) Send(payload []byte) bool {
	p := make([]byte, len(payload))
	copy(p, payload)
	return c.ask(func() bool { return c.doSend(p) })
}

// Ping writes a ping frame. Returns false immediately when not open.
func (c *Conn) Ping() bool {
	return c.ask(func() bool {
		if c.state != api.StateOpen {
			return false
		}
		c.lastPing = time.Now()
		return c.writeFrameErr(protocol.OpcodePing, nil) == nil
	})
}

// Close terminates the connection, cancelling pending reconnection attempts
// and liveness timers. Closing an already-closed connection is a no-op.
func (c *Conn) Close(code int, reason string) {
	replied := make(chan struct{})
	if !c.post(func() {
		c.doClose(code, reason)
		close(replied)
	}) {
		return
	}
	// done closes as the last step of doClose, so either arm means the
	// shutdown work has completed or will never start.
	select {
	case <-replied:
	case <-c.done:
	}
}

// Status returns a read-only snapshot of the connection.
func (c *Conn) Status() api.Status {
	reply := make(chan api.Status, 1)
	ok := c.post(func() {
		now := time.Now()
		used, limit := c.limiter.Occupancy(now)
		reply <- api.Status{
			State:                c.state,
			Connected:            c.state == api.StateOpen,
			Connecting:           c.state == api.StateConnecting || c.state == api.StateReconnecting,
			ReconnectAttempts:    c.attempts,
			MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
			QueueDepth:           c.queue.Len(),
			RateWindowUsed:       used,
			RateWindowLimit:      limit,
			LastPing:             c.lastPing,
			LastPong:             c.lastPong,
			Close:                c.closeInfo,
		}
	})
	if !ok {
		return c.closedStatus()
	}
	select {
	case st := <-reply:
		return st
	case <-c.done:
		select {
		case st := <-reply:
			return st
		default:
			return c.closedStatus()
		}
	}
}

// closedStatus is the snapshot reported after the run loop terminated.
// Reading closeInfo is safe here: it is written only by the run loop, which
// has already returned once done is closed.
func (c *Conn) closedStatus() api.Status {
	return api.Status{
		State:                api.StateClosed,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		Close:                c.closeInfo,
	}
}

// post submits fn to the run loop; false once the connection terminated.
// Termination takes priority over the buffered command channel so that a
// command is never enqueued after the run loop has already returned.
func (c *Conn) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

// ask runs fn in the loop and returns its result, or false when terminated.
// Commands execute sequentially, so once done is closed a command that has
// not replied yet will never run; the re-check catches a reply racing the
// close.
func (c *Conn) ask(fn func() bool) bool {
	reply := make(chan bool, 1)
	if !c.post(func() { reply <- fn() }) {
		return false
	}
	select {
	case v := <-reply:
		return v
	case <-c.done:
		select {
		case v := <-reply:
			return v
		default:
			return false
		}
	}
}

// emit queues a lifecycle callback for in-order dispatch.
func (c *Conn) emit(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// dispatch executes lifecycle callbacks sequentially, preserving the order
// implied by the state machine while keeping them off the run loop.
func (c *Conn) dispatch() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			// Drain events emitted just before termination.
			for {
				select {
				case fn := <-c.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// run is the single-writer loop owning all connection state.
func (c *Conn) run() {
	defer c.teardownTimers()
	for {
		var readC <-chan readEvent
		if c.readCh != nil {
			readC = c.readCh
		}
		var pingC, reconC <-chan time.Time
		if c.pingTicker != nil {
			pingC = c.pingTicker.C
		}
		if c.reconnectTimer != nil {
			reconC = c.reconnectTimer.C
		}

		select {
		case fn := <-c.cmds:
			fn()
		case res := <-c.dialCh:
			c.onDialResult(res)
		case ev := <-readC:
			c.onReadEvent(ev)
		case <-pingC:
			c.onPingTick()
		case <-reconC:
			c.reconnectTimer = nil
			c.startDial()
		case <-c.done:
			return
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) teardownTimers() {
	if c.pingTicker != nil {
		c.pingTicker.Stop()
		c.pingTicker = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}
