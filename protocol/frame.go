// File: protocol/frame.go
// Package protocol implements the WebSocket wire format used by the
// chatlink client: frame encoding with per-frame masking, incremental
// decoding over partial buffers, and close payload handling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "encoding/binary"

// Frame represents a decoded WebSocket frame.
type Frame struct {
	IsFinal    bool  // FIN bit
	Opcode     byte  // Operation code
	Masked     bool  // Whether the frame was masked
	PayloadLen int64 // Actual payload length
	MaskKey    [4]byte
	Payload    []byte
}

// EncodeClosePayload serializes a close code and optional reason into a
// close frame payload: big-endian uint16 code followed by UTF-8 reason.
func EncodeClosePayload(code int, reason string) []byte {
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// ParseClosePayload extracts the close code and reason from a close frame
// payload. An empty payload maps to CloseNoStatusRcvd per RFC 6455.
func ParseClosePayload(p []byte) (code int, reason string) {
	if len(p) < 2 {
		return CloseNoStatusRcvd, ""
	}
	return int(binary.BigEndian.Uint16(p)), string(p[2:])
}

// maskInPlace applies XOR on payload using key. Masking and unmasking are
// the same operation.
func maskInPlace(buf []byte, key [4]byte) {
	for i := 0; i < len(buf); i++ {
		buf[i] ^= key[i%4]
	}
}
