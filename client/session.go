// File: client/session.go
// Package client - dialing, handshake, framed read path, and failure
// recovery for a Conn. Everything here runs inside the run loop goroutine
// except dialAndHandshake and pump, which own no connection state.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/momentics/chatlink/api"
	"github.com/momentics/chatlink/protocol"
)

// startDial begins an asynchronous dial+handshake attempt for the next
// session generation. Stale results from abandoned attempts are discarded
// by generation check in onDialResult.
func (c *Conn) startDial() {
	c.state = api.StateConnecting
	c.gen++
	gen := c.gen
	c.log.Debug().Int("attempt", c.attempts).Msg("dialing")

	go func() {
		tr, leftover, err := dialAndHandshake(c.dialer, c.urlRaw, c.addr, c.secure, c.cfg)
		select {
		case c.dialCh <- dialResult{gen: gen, tr: tr, leftover: leftover, err: err}:
		case <-c.done:
			if tr != nil {
				tr.Close()
			}
		}
	}()
}

// dialAndHandshake opens a transport and performs the HTTP Upgrade exchange
// under the configured handshake deadline.
func dialAndHandshake(d api.Dialer, rawURL, addr string, secure bool, cfg Config) (api.Transport, []byte, error) {
	u, _, _, err := normalizeURL(rawURL)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var tlsConf *tls.Config
	if secure {
		if cfg.TLSConfig != nil {
			tlsConf = cfg.TLSConfig.Clone()
		} else {
			tlsConf = &tls.Config{}
		}
		if tlsConf.ServerName == "" {
			tlsConf.ServerName = u.Hostname()
		}
	}

	tr, err := d.Dial(ctx, addr, tlsConf)
	if err != nil {
		return nil, nil, err
	}

	req, secKey, err := protocol.BuildUpgradeRequest(u, cfg.Headers)
	if err != nil {
		tr.Close()
		return nil, nil, err
	}

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = time.Now().Add(cfg.Timeout)
	}
	if dt, ok := tr.(api.DeadlineTransport); ok && !deadline.IsZero() {
		_ = dt.SetReadDeadline(deadline)
		_ = dt.SetWriteDeadline(deadline)
	}

	if err := tr.Send(req); err != nil {
		tr.Close()
		return nil, nil, err
	}

	var buf []byte
	for {
		if end := protocol.HeaderBlockEnd(buf); end >= 0 {
			if err := protocol.ValidateUpgradeResponse(buf[:end], secKey, cfg.VerifyAccept); err != nil {
				tr.Close()
				return nil, nil, err
			}
			if dt, ok := tr.(api.DeadlineTransport); ok {
				_ = dt.SetReadDeadline(time.Time{})
				_ = dt.SetWriteDeadline(time.Time{})
			}
			return tr, buf[end:], nil
		}
		if len(buf) > protocol.MaxHandshakeHeadersSize {
			tr.Close()
			return nil, nil, api.NewHandshakeError("response headers too large")
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			tr.Close()
			return nil, nil, &api.TimeoutError{Op: "handshake"}
		}
		chunk, err := tr.Recv()
		if err != nil {
			tr.Close()
			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil, nil, &api.TimeoutError{Op: "handshake"}
			}
			return nil, nil, err
		}
		buf = append(buf, chunk...)
	}
}

// onDialResult applies the outcome of an asynchronous dial attempt.
func (c *Conn) onDialResult(res dialResult) {
	if res.gen != c.gen || c.userClosed || c.state != api.StateConnecting {
		if res.tr != nil {
			res.tr.Close()
		}
		return
	}
	if res.err != nil {
		c.log.Warn().Err(res.err).Msg("connect failed")
		c.emit(func() { c.handler.OnError(res.err) })
		c.state = api.StateClosed
		c.scheduleReconnect(res.err.Error())
		return
	}

	c.tr = res.tr
	c.state = api.StateOpen
	c.attempts = 0
	c.closeInfo = nil
	c.closeFired = false
	c.lastPing = time.Time{}
	c.lastPong = time.Time{}
	c.readBuf = append([]byte(nil), res.leftover...)
	c.fragOp = 0
	c.fragBuf = nil

	c.readCh = make(chan readEvent, 8)
	go c.pump(c.tr, c.gen, c.readCh)

	if c.cfg.PingInterval > 0 {
		c.pingTicker = time.NewTicker(c.cfg.PingInterval)
	}

	c.log.Info().Msg("connected")
	c.emit(func() { c.handler.OnConnect() })

	c.processReadBuf()
	if c.state == api.StateOpen {
		c.queue.Drain(c.trySendNow)
	}
}

// pump forwards raw transport reads into the run loop. It exits on the
// first read error or when the connection terminates.
func (c *Conn) pump(tr api.Transport, gen int, ch chan<- readEvent) {
	for {
		data, err := tr.Recv()
		select {
		case ch <- readEvent{gen: gen, data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// onReadEvent accumulates inbound bytes and decodes complete frames.
func (c *Conn) onReadEvent(ev readEvent) {
	if ev.gen != c.gen {
		return
	}
	if ev.err != nil {
		if c.state == api.StateOpen || c.state == api.StateClosing {
			c.handleFailure(ev.err)
		}
		return
	}
	c.readBuf = append(c.readBuf, ev.data...)
	c.processReadBuf()
}

func (c *Conn) processReadBuf() {
	for c.state == api.StateOpen {
		frame, consumed, err := protocol.DecodeFrame(c.readBuf)
		if err != nil {
			c.handleFailure(err)
			return
		}
		if frame == nil {
			return // Incomplete; wait for more bytes
		}
		c.readBuf = c.readBuf[consumed:]
		if frame.Masked {
			c.handleFailure(api.NewProtocolError("masked server frame"))
			return
		}
		c.handleFrame(frame)
	}
}

// handleFrame dispatches one decoded frame: control frames are answered
// inline, data frames are reassembled across continuations and delivered.
func (c *Conn) handleFrame(f *protocol.Frame) {
	switch f.Opcode {
	case protocol.OpcodePing:
		if err := c.writeFrameErr(protocol.OpcodePong, f.Payload); err != nil {
			c.handleFailure(err)
		}

	case protocol.OpcodePong:
		c.lastPong = time.Now()

	case protocol.OpcodeClose:
		c.peerClose(f)

	case protocol.OpcodeText, protocol.OpcodeBinary:
		if c.fragOp != 0 {
			c.handleFailure(api.NewProtocolError("data frame during fragmented message"))
			return
		}
		if f.IsFinal {
			payload := f.Payload
			c.emit(func() { c.handler.OnMessage(payload) })
			return
		}
		c.fragOp = f.Opcode
		c.fragBuf = append([]byte(nil), f.Payload...)

	case protocol.OpcodeContinuation:
		if c.fragOp == 0 {
			c.handleFailure(api.NewProtocolError("continuation without initial frame"))
			return
		}
		c.fragBuf = append(c.fragBuf, f.Payload...)
		if f.IsFinal {
			payload := c.fragBuf
			c.fragOp = 0
			c.fragBuf = nil
			c.emit(func() { c.handler.OnMessage(payload) })
		}
	}
}

// peerClose completes the close handshake for a peer-initiated close.
func (c *Conn) peerClose(f *protocol.Frame) {
	code, reason := protocol.ParseClosePayload(f.Payload)
	c.log.Info().Int("code", code).Str("reason", reason).Msg("close frame received")
	c.setCloseInfo(code, reason)

	if c.state == api.StateOpen {
		c.state = api.StateClosing
		_ = c.writeFrameErr(protocol.OpcodeClose, protocol.EncodeClosePayload(code, reason))
	}
	c.teardownTransport()
	c.state = api.StateClosed

	if !c.closeFired {
		c.closeFired = true
		c.emit(func() { c.handler.OnClose(code, reason) })
	}
	c.scheduleReconnect(fmt.Sprintf("closed by peer: %d %s", code, reason))
}

// doSend implements the send path: enqueue when not open or rate-limited,
// otherwise encode, write, and opportunistically drain the queue. A failed
// write re-enters the queue so the payload is retried on the next drain.
func (c *Conn) doSend(payload []byte) bool {
	if c.state != api.StateOpen {
		c.queue.Enqueue(payload)
		return false
	}
	now := time.Now()
	if !c.limiter.Allow(now) {
		c.queue.Enqueue(payload)
		return false
	}
	data, err := protocol.EncodeFrame(protocol.OpcodeText, payload)
	if err != nil {
		c.emit(func() { c.handler.OnError(err) })
		return false
	}
	c.limiter.Record(now)
	if err := c.tr.Send(data); err != nil {
		c.queue.Enqueue(payload)
		c.handleFailure(err)
		return false
	}
	c.queue.Drain(c.trySendNow)
	return true
}

// trySendNow is the drain sink: one send attempt for a queued payload.
// Unsendable payloads (encode failures) are dropped so they cannot wedge
// the queue.
func (c *Conn) trySendNow(payload []byte) bool {
	if c.state != api.StateOpen {
		return false
	}
	now := time.Now()
	if !c.limiter.Allow(now) {
		return false
	}
	data, err := protocol.EncodeFrame(protocol.OpcodeText, payload)
	if err != nil {
		c.emit(func() { c.handler.OnError(err) })
		return true
	}
	c.limiter.Record(now)
	if err := c.tr.Send(data); err != nil {
		c.handleFailure(err)
		return false
	}
	return true
}

// onPingTick enforces liveness and emits the periodic ping. A ping without
// a pong inside twice the ping interval marks the connection stale.
func (c *Conn) onPingTick() {
	if c.state != api.StateOpen {
		return
	}
	now := time.Now()
	outstanding := !c.lastPing.IsZero() && c.lastPong.Before(c.lastPing)
	if outstanding && now.Sub(c.lastPing) >= 2*c.cfg.PingInterval {
		c.handleFailure(&api.TimeoutError{Op: "liveness"})
		return
	}
	if !outstanding {
		c.lastPing = now
	}
	if err := c.writeFrameErr(protocol.OpcodePing, nil); err != nil {
		c.handleFailure(err)
	}
}

// writeFrameErr encodes and writes one frame on the current transport.
func (c *Conn) writeFrameErr(opcode byte, payload []byte) error {
	if c.tr == nil {
		return api.ErrNotConnected
	}
	data, err := protocol.EncodeFrame(opcode, payload)
	if err != nil {
		return err
	}
	return c.tr.Send(data)
}

// handleFailure routes transport, protocol, and timeout errors: error
// callback, close info, transport teardown, then the reconnection policy.
func (c *Conn) handleFailure(err error) {
	if c.state == api.StateClosed {
		return
	}
	c.log.Warn().Err(err).Str("state", c.state.String()).Msg("connection failure")
	c.emit(func() { c.handler.OnError(err) })
	c.setCloseInfo(protocol.CloseAbnormalClosure, err.Error())
	c.teardownTransport()
	c.state = api.StateClosed
	c.scheduleReconnect(err.Error())
}

// scheduleReconnect applies the bounded constant-backoff retry policy.
// Exhaustion is reported exactly once via OnDisconnect and is terminal
// until the caller issues a fresh Connect.
func (c *Conn) scheduleReconnect(reason string) {
	if c.userClosed || c.terminal {
		return
	}
	max := c.cfg.MaxReconnectAttempts
	if max <= 0 {
		c.terminal = true
		c.log.Info().Str("reason", reason).Msg("reconnect disabled, giving up")
		c.emit(func() { c.handler.OnDisconnect(reason) })
		return
	}
	c.attempts++
	if c.attempts >= max {
		c.terminal = true
		c.log.Info().Int("attempts", c.attempts).Str("reason", reason).Msg("reconnect attempts exhausted")
		c.emit(func() { c.handler.OnDisconnect(reason) })
		return
	}
	c.log.Info().Int("attempt", c.attempts).Int("max", max).Msg("reconnect scheduled")
	c.state = api.StateReconnecting
	c.reconnectTimer = time.NewTimer(c.cfg.ReconnectInterval)
}

// doClose performs an explicit caller-initiated shutdown: cancel timers and
// pending reconnects, send a close frame when connected, release the
// transport, and terminate the run loop. No-op when already closed.
func (c *Conn) doClose(code int, reason string) {
	if c.userClosed {
		return
	}
	c.userClosed = true
	c.teardownTimers()

	wasConnected := c.state == api.StateOpen || c.state == api.StateClosing
	if wasConnected && c.tr != nil {
		c.setCloseInfo(code, reason)
		c.state = api.StateClosing
		_ = c.writeFrameErr(protocol.OpcodeClose, protocol.EncodeClosePayload(code, reason))
	}
	c.teardownTransport()
	c.state = api.StateClosed

	if wasConnected && !c.closeFired {
		c.closeFired = true
		c.emit(func() { c.handler.OnClose(code, reason) })
	}
	c.log.Info().Int("code", code).Str("reason", reason).Msg("closed")
	close(c.done)
}

// teardownTransport invalidates the current session generation and
// releases the transport and all per-session read state.
func (c *Conn) teardownTransport() {
	c.gen++
	if c.tr != nil {
		_ = c.tr.Close()
		c.tr = nil
	}
	c.readCh = nil
	c.readBuf = nil
	c.fragOp = 0
	c.fragBuf = nil
	if c.pingTicker != nil {
		c.pingTicker.Stop()
		c.pingTicker = nil
	}
}

// setCloseInfo records close code/reason once per connection session.
func (c *Conn) setCloseInfo(code int, reason string) {
	if c.closeInfo == nil {
		c.closeInfo = &api.CloseInfo{Code: code, Reason: reason}
	}
}
