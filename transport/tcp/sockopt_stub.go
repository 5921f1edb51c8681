//go:build !linux
// +build !linux

// File: transport/tcp/sockopt_stub.go
// Package tcp - no-op socket tuning on non-Linux platforms.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import "syscall"

func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
