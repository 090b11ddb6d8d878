// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenhash computes the one-way digest of credential
// plaintext that the service stores for fast acceptance checks. Only
// digests cross the trust boundary: the accepted-hash set returned to
// hubs contains digests, never plaintext.
package tokenhash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest of a credential token.
type Hash [32]byte

// tokenDomainKey is the 32-byte key for BLAKE3 keyed hashing. Domain
// separation keeps credential digests from colliding with any other
// BLAKE3 use of the same input bytes. The byte values are the ASCII
// encoding of the domain name, zero-padded to 32 bytes, so the key is
// inspectable in hex dumps without sacrificing any cryptographic
// property.
var tokenDomainKey = [32]byte{
	'f', 'l', 'e', 'e', 't', 's', 'y', 'n', 'c', '.',
	'c', 'r', 'e', 'd', 'e', 'n', 't', 'i', 'a', 'l', '.',
	't', 'o', 'k', 'e', 'n', 0, 0, 0, 0, 0, 0,
}

// Sum computes the credential-domain keyed digest of token plaintext.
func Sum(token []byte) Hash {
	hasher, err := blake3.NewKeyed(tokenDomainKey[:])
	if err != nil {
		// NewKeyed fails only on wrong key length; the key is a
		// compile-time constant of the right size.
		panic("tokenhash: " + err.Error())
	}
	hasher.Write(token)

	var digest Hash
	hasher.Digest().Read(digest[:])
	return digest
}

// String returns the canonical hex encoding of the digest. This is
// the form stored in the database and returned in heartbeat responses.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Parse decodes a hex-encoded digest string.
func Parse(hexString string) (Hash, error) {
	var digest Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing token digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("token digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
