// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault provides authenticated encryption for long-lived hub
// secrets at rest.
//
// Secrets are sealed with ChaCha20-Poly1305 under a single 256-bit
// master key supplied at process start. The stored blob layout is
//
//	nonce (12 bytes) || tag (16 bytes) || ciphertext
//
// with a fresh random nonce per encryption. The plaintext is a
// deterministic CBOR bundle that binds the secret to its hub serial,
// so a ciphertext blob copied between hub rows fails validation after
// decryption even though the AEAD tag verifies.
//
// Decryption fails closed: any tag mismatch, truncated blob, or
// serial mismatch surfaces as ErrCorruptSecret with no partial data.
package vault
