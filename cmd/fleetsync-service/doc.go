// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// The fleetsync-service binary is the fleet-side endpoint for hub
// credential rotation. Hubs authenticate heartbeats with an HMAC over
// a timestamped, single-use nonce; the service advances each hub's
// credential lifecycle (mint, promote, expire with grace) and returns
// the set of credential digests the hub should currently trust.
//
// Hub sync secrets and minted credential plaintext are stored only as
// vault ciphertext under a master key loaded from the config. A
// pairing endpoint, guarded by an operator bearer token, provisions
// new hubs.
package main
