// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package lanurl validates the LAN base URL a hub reports in its
// heartbeat. The URL is only ever used by clients on the hub's own
// network, so the rules are strict: plain http, a private IPv4 host,
// the hub's well-known service port, and nothing else — no path,
// query, fragment, or userinfo. A URL that fails validation is
// ignored, never stored.
package lanurl

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// ErrInvalid is the base error for all validation failures.
var ErrInvalid = errors.New("lanurl: invalid LAN base URL")

// Validate checks rawURL against the rules above and returns the
// normalized form "http://<ip>:<port>" (any trailing slash removed).
func Validate(rawURL string, wellKnownPort int) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if parsed.Scheme != "http" {
		return "", fmt.Errorf("%w: scheme %q, want http", ErrInvalid, parsed.Scheme)
	}
	if parsed.User != nil {
		return "", fmt.Errorf("%w: userinfo not allowed", ErrInvalid)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("%w: path not allowed", ErrInvalid)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: query and fragment not allowed", ErrInvalid)
	}

	host := parsed.Hostname()
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("%w: host %q is not an IPv4 address", ErrInvalid, host)
	}
	if !ip.IsPrivate() {
		return "", fmt.Errorf("%w: host %q is not a private address", ErrInvalid, host)
	}

	portText := parsed.Port()
	if portText == "" {
		return "", fmt.Errorf("%w: port is required", ErrInvalid)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port != wellKnownPort {
		return "", fmt.Errorf("%w: port %q, want %d", ErrInvalid, portText, wellKnownPort)
	}

	return fmt.Sprintf("http://%s:%d", ip.To4().String(), port), nil
}
