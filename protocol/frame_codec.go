// File: protocol/frame_codec.go
// Package protocol implements the frame codec with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Implements WebSocket frame encoding/decoding with payload size limits
// to prevent resource exhaustion. The codec is stateless: callers own
// the accumulation buffer and retry DecodeFrame as more bytes arrive.

package protocol

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/momentics/chatlink/api"
)

// MaxFramePayload defines the maximum allowed payload size for a single frame.
// This limit protects against excessively large frames that could exhaust memory.
const MaxFramePayload = 1 << 20 // 1 MiB

// EncodeFrame serializes a single complete frame with FIN set and a fresh
// random 32-bit mask key, as required of client-to-server frames.
func EncodeFrame(opcode byte, payload []byte) ([]byte, error) {
	if !validOpcode(opcode) {
		return nil, api.NewProtocolError("reserved opcode 0x%X", opcode)
	}
	if len(payload) > MaxFramePayload {
		return nil, api.NewProtocolError("frame payload exceeds maximum allowed size")
	}
	if isControl(opcode) && len(payload) > MaxControlPayloadLen {
		return nil, api.NewProtocolError("control frame payload exceeds %d bytes", MaxControlPayloadLen)
	}

	b0 := byte(FinBit) | (opcode & 0x0F)
	plen := len(payload)

	var hdr [10]byte
	var header []byte
	switch {
	case plen <= 125:
		header = hdr[:2]
		header[0] = b0
		header[1] = byte(plen) | MaskBit
	case plen <= 0xFFFF:
		header = hdr[:4]
		header[0] = b0
		header[1] = 126 | MaskBit
		binary.BigEndian.PutUint16(header[2:], uint16(plen))
	default:
		header = hdr[:10]
		header[0] = b0
		header[1] = 127 | MaskBit
		binary.BigEndian.PutUint64(header[2:], uint64(plen))
	}

	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(header)+4+plen)
	buf = append(buf, header...)
	buf = append(buf, maskKey[:]...)

	start := len(buf)
	buf = append(buf, payload...)
	maskInPlace(buf[start:], maskKey)
	return buf, nil
}

// DecodeFrame parses one WebSocket frame from the front of raw.
// Returns the frame, the number of bytes consumed, and an error.
// If raw holds fewer bytes than the complete frame requires, it returns
// (nil, 0, nil); the caller buffers and retries once more bytes arrive.
// DecodeFrame never consumes more than one complete frame.
func DecodeFrame(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil // Incomplete
	}
	fin := raw[0]&FinBit != 0
	opcode := raw[0] & 0x0F
	masked := raw[1]&MaskBit != 0
	length := int64(raw[1] & 0x7F)
	offset := 2

	if !validOpcode(opcode) {
		return nil, 0, api.NewProtocolError("reserved opcode 0x%X", opcode)
	}
	if isControl(opcode) && (!fin || length > MaxControlPayloadLen) {
		return nil, 0, api.NewProtocolError("invalid control frame")
	}

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil // Incomplete
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil // Incomplete
		}
		length = int64(binary.BigEndian.Uint64(raw[offset:]))
		offset += 8
	}

	if length < 0 || length > MaxFramePayload {
		return nil, 0, api.NewProtocolError("frame payload exceeds maximum allowed size")
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil // Incomplete
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	totalLen := offset + int(length)
	if len(raw) < totalLen {
		return nil, 0, nil // Incomplete
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:totalLen])
	if masked {
		maskInPlace(payload, maskKey)
	}

	return &Frame{
		IsFinal:    fin,
		Opcode:     opcode,
		Masked:     masked,
		PayloadLen: length,
		MaskKey:    maskKey,
		Payload:    payload,
	}, totalLen, nil
}
