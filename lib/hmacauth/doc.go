// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package hmacauth verifies signed, timestamped heartbeat requests.
//
// A valid heartbeat proves possession of the hub's shared sync secret:
// the signature is HMAC-SHA256 over "serial.timestamp.nonce" and the
// claimed timestamp must fall within the configured skew window of
// server time. Verification is pure — no state is read or written, and
// passing this check alone does not prevent replay within the skew
// window. Replay rejection is the store's nonce uniqueness constraint.
package hmacauth
