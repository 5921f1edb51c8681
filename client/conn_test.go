// File: client/conn_test.go
// Connection state machine tests driven by deterministic fake transports:
// handshake, queuing, rate limiting, close handshake, liveness, and the
// bounded reconnection policy.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/chatlink/api"
	"github.com/momentics/chatlink/protocol"
)

const waitTimeout = 2 * time.Second

// fakeTransport is a scripted byte stream. It answers the client's upgrade
// request with a valid 101 response so connections open deterministically.
type fakeTransport struct {
	mu       sync.Mutex
	wrote    [][]byte
	inbound  chan []byte
	closed   bool
	closedCh chan struct{}
	writeErr error
	hsReply  []byte // overrides the auto 101 reply when set
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 32),
		closedCh: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(p []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return api.ErrTransportClosed
	}
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), p...)
	t.wrote = append(t.wrote, cp)
	t.mu.Unlock()

	if bytes.HasPrefix(cp, []byte("GET ")) {
		if t.hsReply != nil {
			t.push(t.hsReply)
		} else {
			t.push([]byte(fmt.Sprintf(
				"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n",
				protocol.AcceptKey(extractSecKey(cp)))))
		}
	}
	return nil
}

func (t *fakeTransport) Recv() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.closedCh:
		return nil, api.ErrTransportClosed
	}
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closedCh)
	}
	return nil
}

func (t *fakeTransport) push(data []byte) {
	select {
	case t.inbound <- data:
	case <-t.closedCh:
	}
}

func (t *fakeTransport) setWriteErr(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// sentFrames decodes every frame written after the handshake request.
func (t *fakeTransport) sentFrames(tb testing.TB) []*protocol.Frame {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	var frames []*protocol.Frame
	for _, w := range t.wrote {
		if bytes.HasPrefix(w, []byte("GET ")) {
			continue
		}
		rest := w
		for len(rest) > 0 {
			f, n, err := protocol.DecodeFrame(rest)
			require.NoError(tb, err)
			require.NotNil(tb, f)
			frames = append(frames, f)
			rest = rest[n:]
		}
	}
	return frames
}

func extractSecKey(req []byte) string {
	for _, line := range strings.Split(string(req), "\r\n") {
		if strings.HasPrefix(line, protocol.HeaderSecWebSocketKey+": ") {
			return strings.TrimPrefix(line, protocol.HeaderSecWebSocketKey+": ")
		}
	}
	return ""
}

// fakeDialer hands out fakeTransports, or a scripted error.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	err        error
	hsReply    []byte
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ *tls.Config) (api.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	t.hsReply = d.hsReply
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

type closeEvent struct {
	code   int
	reason string
}

// recHandler records lifecycle callbacks on channels for synchronization.
type recHandler struct {
	connects    chan struct{}
	messages    chan []byte
	errs        chan error
	disconnects chan string
	closes      chan closeEvent
}

func newRecHandler() *recHandler {
	return &recHandler{
		connects:    make(chan struct{}, 64),
		messages:    make(chan []byte, 64),
		errs:        make(chan error, 64),
		disconnects: make(chan string, 64),
		closes:      make(chan closeEvent, 64),
	}
}

func (h *recHandler) OnConnect()                 { h.connects <- struct{}{} }
func (h *recHandler) OnMessage(p []byte)         { h.messages <- p }
func (h *recHandler) OnError(err error)          { h.errs <- err }
func (h *recHandler) OnDisconnect(reason string) { h.disconnects <- reason }
func (h *recHandler) OnClose(code int, reason string) {
	h.closes <- closeEvent{code: code, reason: reason}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.ReconnectInterval = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 0
	cfg.PingInterval = 0 // no ping ticker unless a test enables it
	return cfg
}

func dialConn(t *testing.T, d *fakeDialer, h *recHandler, cfg Config) *Conn {
	t.Helper()
	c, err := New("ws://chat.example.com/room", d, h, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(protocol.CloseNormalClosure, "test done") })
	return c
}

func TestConnectTransitionsToOpen(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, api.StateOpen, st.State)
	assert.Zero(t, st.ReconnectAttempts)

	// Exactly one connect callback.
	select {
	case <-h.connects:
		t.Fatal("connect callback fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"http://example.com/ws", "ftp://x", "ws://", "://nope"} {
		_, err := New(raw, &fakeDialer{}, nil, testConfig())
		require.ErrorIs(t, err, api.ErrInvalidURL, "url %q", raw)
	}
}

func TestSendWhileDisconnectedQueues(t *testing.T) {
	h := newRecHandler()
	c := dialConn(t, &fakeDialer{}, h, testConfig())

	assert.False(t, c.Send([]byte("hello")))

	st := c.Status()
	assert.Equal(t, 1, st.QueueDepth)
	assert.False(t, st.Connected)
}

func TestZeroRateLimitQueuesEverySend(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMessages = 0
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, cfg)

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	assert.False(t, c.Send([]byte("one")))
	assert.False(t, c.Send([]byte("two")))

	st := c.Status()
	assert.Equal(t, 2, st.QueueDepth)
	assert.Zero(t, st.RateWindowLimit)

	// Nothing beyond the handshake reply hit the wire.
	assert.Empty(t, d.transport(0).sentFrames(t))
}

func TestSendWritesTextFrame(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	require.True(t, c.Send([]byte("hi there")))

	frames := d.transport(0).sentFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, byte(protocol.OpcodeText), frames[0].Opcode)
	assert.True(t, frames[0].Masked)
	assert.Equal(t, []byte("hi there"), frames[0].Payload)
}

func TestQueueFlushedOnConnect(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	assert.False(t, c.Send([]byte("queued-1")))
	assert.False(t, c.Send([]byte("queued-2")))

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	require.Eventually(t, func() bool {
		return c.Status().QueueDepth == 0
	}, waitTimeout, 5*time.Millisecond, "queue should drain on open")

	frames := d.transport(0).sentFrames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("queued-1"), frames[0].Payload)
	assert.Equal(t, []byte("queued-2"), frames[1].Payload)
}

func TestInboundMessagesDelivered(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")
	tr := d.transport(0)

	tr.push(serverRaw(protocol.OpcodeText, []byte("welcome"), true))
	assert.Equal(t, []byte("welcome"), waitFor(t, h.messages, "message"))

	// Fragmented message is reassembled before delivery.
	tr.push(serverRaw(protocol.OpcodeText, []byte("hel"), false))
	tr.push(serverRaw(protocol.OpcodeContinuation, []byte("lo "), false))
	tr.push(serverRaw(protocol.OpcodeContinuation, []byte("chat"), true))
	assert.Equal(t, []byte("hello chat"), waitFor(t, h.messages, "reassembled message"))
}

func TestPartialFramesAreBuffered(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	raw := serverRaw(protocol.OpcodeText, []byte("split across reads"), true)
	tr := d.transport(0)
	tr.push(raw[:3])
	tr.push(raw[3:7])
	tr.push(raw[7:])

	assert.Equal(t, []byte("split across reads"), waitFor(t, h.messages, "message"))
}

func TestPingAnsweredWithPong(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")
	tr := d.transport(0)

	tr.push(serverRaw(protocol.OpcodePing, []byte("beat"), true))

	require.Eventually(t, func() bool {
		frames := tr.sentFrames(t)
		return len(frames) == 1 && frames[0].Opcode == protocol.OpcodePong
	}, waitTimeout, 5*time.Millisecond)
	frames := tr.sentFrames(t)
	assert.Equal(t, []byte("beat"), frames[0].Payload)
}

func TestPongUpdatesLiveness(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	require.True(t, c.Ping())
	d.transport(0).push(serverRaw(protocol.OpcodePong, nil, true))

	require.Eventually(t, func() bool {
		st := c.Status()
		return !st.LastPong.IsZero() && !st.LastPong.Before(st.LastPing)
	}, waitTimeout, 5*time.Millisecond)
}

func TestPingWhileDisconnected(t *testing.T) {
	c := dialConn(t, &fakeDialer{}, newRecHandler(), testConfig())
	assert.False(t, c.Ping())
}

func TestPeerCloseFiresCloseCallback(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	payload := protocol.EncodeClosePayload(protocol.CloseNormalClosure, "server going away")
	d.transport(0).push(serverRaw(protocol.OpcodeClose, payload, true))

	ev := waitFor(t, h.closes, "close callback")
	assert.Equal(t, protocol.CloseNormalClosure, ev.code)
	assert.Equal(t, "server going away", ev.reason)

	st := c.Status()
	assert.Equal(t, api.StateClosed, st.State)
	require.NotNil(t, st.Close)
	assert.Equal(t, protocol.CloseNormalClosure, st.Close.Code)
	assert.Equal(t, "server going away", st.Close.Reason)

	// Exactly one close callback.
	select {
	case <-h.closes:
		t.Fatal("close callback fired more than once")
	case <-time.After(50 * time.Millisecond):
	}

	// The close frame was echoed back before teardown.
	frames := d.transport(0).sentFrames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, byte(protocol.OpcodeClose), frames[len(frames)-1].Opcode)
}

func TestMaskedServerFrameIsProtocolError(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	masked, err := protocol.EncodeFrame(protocol.OpcodeText, []byte("nope"))
	require.NoError(t, err)
	d.transport(0).push(masked)

	got := waitFor(t, h.errs, "error callback")
	var perr *api.ProtocolError
	assert.ErrorAs(t, got, &perr)
}

func TestWriteFailureTriggersErrorPath(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	d.transport(0).setWriteErr(errors.New("broken pipe"))
	assert.False(t, c.Send([]byte("doomed")))

	got := waitFor(t, h.errs, "error callback")
	assert.ErrorContains(t, got, "broken pipe")

	st := c.Status()
	assert.Equal(t, api.StateClosed, st.State)
	assert.Equal(t, 1, st.QueueDepth, "failed-write payload must re-enter the queue")
}

func TestFailedWriteRetriedAfterReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 5
	cfg.ReconnectInterval = 50 * time.Millisecond
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, cfg)

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	d.transport(0).setWriteErr(errors.New("broken pipe"))
	assert.False(t, c.Send([]byte("doomed")))
	assert.Equal(t, 1, c.Status().QueueDepth)

	waitFor(t, h.connects, "reconnect")
	require.Eventually(t, func() bool {
		return c.Status().QueueDepth == 0
	}, waitTimeout, 5*time.Millisecond, "queued payload should flush on reconnect")

	frames := d.transport(1).sentFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("doomed"), frames[0].Payload)
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 5
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, cfg)

	require.True(t, c.Connect())
	waitFor(t, h.connects, "initial connect")

	// Kill the transport out from under the connection.
	d.transport(0).Close()

	waitFor(t, h.errs, "error callback")
	waitFor(t, h.connects, "reconnect")

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Zero(t, st.ReconnectAttempts, "successful reopen resets the counter")
	assert.Equal(t, 2, d.dialCount())
}

func TestReconnectExhaustionFiresDisconnectOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	d := &fakeDialer{err: errors.New("connection refused")}
	h := newRecHandler()
	c := dialConn(t, d, h, cfg)

	require.True(t, c.Connect())

	reason := waitFor(t, h.disconnects, "disconnect callback")
	assert.Contains(t, reason, "connection refused")

	// No further dial attempts after the terminal disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, d.dialCount())

	select {
	case <-h.disconnects:
		t.Fatal("disconnect callback fired more than once")
	default:
	}
}

func TestHandshakeFailureReportsHandshakeError(t *testing.T) {
	d := &fakeDialer{hsReply: []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")}
	h := newRecHandler()
	c := dialConn(t, d, h, testConfig())

	require.True(t, c.Connect())

	got := waitFor(t, h.errs, "error callback")
	var herr *api.HandshakeError
	assert.ErrorAs(t, got, &herr)
	assert.Equal(t, api.StateClosed, c.Status().State)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 10
	cfg.ReconnectInterval = 20 * time.Millisecond
	d := &fakeDialer{err: errors.New("refused")}
	h := newRecHandler()

	c, err := New("ws://chat.example.com/room", d, h, cfg)
	require.NoError(t, err)

	require.True(t, c.Connect())
	waitFor(t, h.errs, "dial error")

	c.Close(protocol.CloseNormalClosure, "bye")

	dials := d.dialCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, dials, d.dialCount(), "no dials after Close")
	assert.Equal(t, api.StateClosed, c.Status().State)
}

func TestCloseWhileDisconnectedIsNoop(t *testing.T) {
	h := newRecHandler()
	c, err := New("ws://chat.example.com/room", &fakeDialer{}, h, testConfig())
	require.NoError(t, err)

	c.Close(protocol.CloseNormalClosure, "bye")
	c.Close(protocol.CloseNormalClosure, "again")

	select {
	case <-h.closes:
		t.Fatal("close callback must not fire for a connection that never opened")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOperationsAfterCloseDoNotBlock(t *testing.T) {
	// Repeat to exercise the race between posting a command and the run
	// loop terminating; every call must return promptly.
	for i := 0; i < 50; i++ {
		c, err := New("ws://chat.example.com/room", &fakeDialer{}, nil, testConfig())
		require.NoError(t, err)

		c.Close(protocol.CloseNormalClosure, "bye")
		c.Close(protocol.CloseNormalClosure, "again")
		assert.False(t, c.Send([]byte("late")))
		assert.False(t, c.Ping())
		assert.False(t, c.Connect())
		assert.Equal(t, api.StateClosed, c.Status().State)
	}
}

func TestUserCloseSendsCloseFrame(t *testing.T) {
	d := &fakeDialer{}
	h := newRecHandler()
	c, err := New("ws://chat.example.com/room", d, h, testConfig())
	require.NoError(t, err)

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	c.Close(protocol.CloseGoingAway, "shutting down")

	ev := waitFor(t, h.closes, "close callback")
	assert.Equal(t, protocol.CloseGoingAway, ev.code)

	frames := d.transport(0).sentFrames(t)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, byte(protocol.OpcodeClose), last.Opcode)
	code, reason := protocol.ParseClosePayload(last.Payload)
	assert.Equal(t, protocol.CloseGoingAway, code)
	assert.Equal(t, "shutting down", reason)
}

func TestLivenessTimeoutForcesReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 5
	d := &fakeDialer{}
	h := newRecHandler()
	c := dialConn(t, d, h, cfg)

	require.True(t, c.Connect())
	waitFor(t, h.connects, "connect callback")

	// The server never answers pings; the connection must go stale and
	// come back through the reconnect path.
	got := waitFor(t, h.errs, "liveness error")
	var terr *api.TimeoutError
	require.ErrorAs(t, got, &terr)

	waitFor(t, h.connects, "reconnect after stale connection")
}

// serverRaw builds an unmasked server-side frame.
func serverRaw(opcode byte, payload []byte, fin bool) []byte {
	var b0 byte
	if fin {
		b0 = protocol.FinBit
	}
	b0 |= opcode

	var buf []byte
	switch {
	case len(payload) <= 125:
		buf = append(buf, b0, byte(len(payload)))
	case len(payload) <= 0xFFFF:
		buf = append(buf, b0, 126, 0, 0)
		binary.BigEndian.PutUint16(buf[2:], uint16(len(payload)))
	default:
		buf = append(buf, b0, 127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(buf[2:], uint64(len(payload)))
	}
	return append(buf, payload...)
}
