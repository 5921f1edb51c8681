// File: protocol/handshake.go
// Package protocol implements the client side of the WebSocket opening
// handshake: building the HTTP Upgrade request and validating the
// server's 101 response, including the Sec-WebSocket-Accept derivation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/momentics/chatlink/api"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	RequiredWebSocketVersion = "13"
)

// NewSecWebSocketKey returns a fresh random base64 Sec-WebSocket-Key value.
func NewSecWebSocketKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(keyBytes), nil
}

// AcceptKey computes the expected Sec-WebSocket-Accept value for secKey:
// base64(SHA1(key + GUID)).
func AcceptKey(secKey string) string {
	h := sha1.New()
	h.Write([]byte(secKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// BuildUpgradeRequest produces the HTTP/1.1 Upgrade request for u, with any
// caller-supplied headers (commonly Authorization) appended verbatim. The
// returned secKey must be kept to validate the server response.
func BuildUpgradeRequest(u *url.URL, extra http.Header) (req []byte, secKey string, err error) {
	secKey, err = NewSecWebSocketKey()
	if err != nil {
		return nil, "", err
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketKey, secKey)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketVer, RequiredWebSocketVersion)
	for k, vs := range extra {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String()), secKey, nil
}

// HeaderBlockEnd returns the index just past the blank line terminating an
// HTTP header block, or -1 if raw does not yet contain a complete block.
func HeaderBlockEnd(raw []byte) int {
	i := bytes.Index(raw, []byte("\r\n\r\n"))
	if i < 0 {
		return -1
	}
	return i + 4
}

// ValidateUpgradeResponse parses the server's handshake response and checks
// status 101, the Upgrade header, and (when verifyAccept is set) that
// Sec-WebSocket-Accept matches the derivation of secKey. Any mismatch is a
// HandshakeError and the connection must not transition to open.
func ValidateUpgradeResponse(raw []byte, secKey string, verifyAccept bool) error {
	if len(raw) > MaxHandshakeHeadersSize {
		return api.NewHandshakeError("response headers too large")
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return api.NewHandshakeError("malformed response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return api.NewHandshakeError("unexpected status %d", resp.StatusCode)
	}
	if !headerContainsToken(resp.Header, HeaderUpgrade, "websocket") {
		return api.NewHandshakeError("missing Upgrade: websocket header")
	}
	if verifyAccept {
		if got := resp.Header.Get(HeaderSecWebSocketAccept); got != AcceptKey(secKey) {
			return api.NewHandshakeError("Sec-WebSocket-Accept mismatch")
		}
	}
	return nil
}

// headerContainsToken checks for token in the comma-separated headerName.
func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	token = strings.ToLower(token)
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}
