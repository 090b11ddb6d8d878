// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides fleetsync's standard CBOR encoding. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical value always produces identical bytes — the vault encrypts
// codec output, and deterministic plaintext keeps sealed secret
// bundles byte-stable across re-encryption.
//
// Consumers import only this package, never fxamacker/cbor directly.
package codec
