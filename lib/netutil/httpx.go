// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxBodySize bounds request and response body reads: 1 MB. Heartbeat
// and pairing payloads are a few hundred bytes; the limit is generous
// so it never interferes with normal operation.
const MaxBodySize int64 = 1 << 20

// DecodeBody reads a JSON body (up to MaxBodySize) and decodes it
// into v.
func DecodeBody(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxBodySize))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body as a string for
// diagnostic messages. Read errors are ignored — a partial body is
// still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxBodySize))
	return string(data)
}
