// File: client/url.go
// Package client - websocket URL normalization.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"net"
	"net/url"

	"github.com/momentics/chatlink/api"
)

// normalizeURL validates rawURL and resolves the dial address. Only ws and
// wss schemes are accepted; default ports 80/443 are filled in when absent.
func normalizeURL(rawURL string) (u *url.URL, addr string, secure bool, err error) {
	u, err = url.Parse(rawURL)
	if err != nil {
		return nil, "", false, api.ErrInvalidURL
	}
	switch u.Scheme {
	case "ws":
	case "wss":
		secure = true
	default:
		return nil, "", false, api.ErrInvalidURL
	}
	if u.Host == "" {
		return nil, "", false, api.ErrInvalidURL
	}

	host := u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		if secure {
			host = net.JoinHostPort(host, "443")
		} else {
			host = net.JoinHostPort(host, "80")
		}
	}
	return u, host, secure, nil
}
