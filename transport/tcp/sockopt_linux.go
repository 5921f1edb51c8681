//go:build linux
// +build linux

// File: transport/tcp/sockopt_linux.go
// Package tcp - Linux-specific socket option tuning for chat traffic:
// disable Nagle for low-latency small frames and enable TCP keepalive.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket applies socket options on the raw fd before connect.
func controlSocket(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			opErr = e
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
