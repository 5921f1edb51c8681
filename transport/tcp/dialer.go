// File: transport/tcp/dialer.go
// Package tcp implements the api.Transport binding over net.Conn, with
// optional TLS for wss endpoints and deadline support.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/momentics/chatlink/api"
)

// DefaultReadBufferSize is the per-Recv read buffer size.
const DefaultReadBufferSize = 16 * 1024

// Dialer opens TCP or TLS streams implementing api.Transport.
type Dialer struct {
	// Timeout bounds the TCP connect; zero means no limit beyond ctx.
	Timeout time.Duration
	// ReadBufferSize overrides DefaultReadBufferSize when positive.
	ReadBufferSize int
}

// Dial opens a stream to addr (host:port). A non-nil tlsConf wraps the
// stream in TLS and runs the TLS handshake before returning.
func (d *Dialer) Dial(ctx context.Context, addr string, tlsConf *tls.Config) (api.Transport, error) {
	nd := net.Dialer{Timeout: d.Timeout, Control: controlSocket}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &api.TransportError{Op: "dial", Err: err}
	}

	if tlsConf != nil {
		tc := tls.Client(conn, tlsConf)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &api.TransportError{Op: "dial", Err: err}
		}
		conn = tc
	}

	bufSize := d.ReadBufferSize
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	return &streamTransport{conn: conn, bufSize: bufSize}, nil
}

// streamTransport wraps net.Conn to implement api.Transport.
type streamTransport struct {
	conn    net.Conn
	bufSize int
	closed  atomic.Bool
}

func (t *streamTransport) Send(p []byte) error {
	if t.closed.Load() {
		return api.ErrTransportClosed
	}
	if _, err := t.conn.Write(p); err != nil {
		return &api.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *streamTransport) Recv() ([]byte, error) {
	if t.closed.Load() {
		return nil, api.ErrTransportClosed
	}
	buf := make([]byte, t.bufSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, &api.TransportError{Op: "read", Err: err}
	}
	return buf[:n], nil
}

func (t *streamTransport) IsOpen() bool {
	return !t.closed.Load()
}

func (t *streamTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

func (t *streamTransport) SetReadDeadline(tm time.Time) error {
	return t.conn.SetReadDeadline(tm)
}

func (t *streamTransport) SetWriteDeadline(tm time.Time) error {
	return t.conn.SetWriteDeadline(tm)
}
