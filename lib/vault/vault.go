// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hearthware/fleetsync/lib/codec"
	"github.com/hearthware/fleetsync/lib/secret"
)

// KeySize is the master key size in bytes.
const KeySize = chacha20poly1305.KeySize // 32

// nonceSize and tagSize fix the blob layout. Changing either
// invalidates every stored secret.
const (
	nonceSize = chacha20poly1305.NonceSize // 12
	tagSize   = chacha20poly1305.Overhead  // 16
)

// ErrCorruptSecret is returned when a stored blob cannot be decrypted
// and validated. A hub whose secret is corrupt cannot authenticate and
// must be re-paired.
var ErrCorruptSecret = errors.New("vault: corrupt secret")

// secretBundle is the CBOR plaintext sealed inside a blob. Key is the
// hub's shared HMAC secret; Serial binds the bundle to its hub row.
type secretBundle struct {
	Serial   string `cbor:"serial"`
	Key      []byte `cbor:"key"`
	PairedAt int64  `cbor:"paired_at"`
}

// Vault seals and opens hub sync secrets under the master key.
//
// The master key buffer is borrowed for the lifetime of the Vault and
// is NOT closed by it — the owner (the service main) closes it on
// shutdown.
type Vault struct {
	masterKey *secret.Buffer
}

// New creates a Vault from a 32-byte master key held in a secret
// buffer. Returns an error if the key has the wrong length; a vault
// with a malformed key must never start serving.
func New(masterKey *secret.Buffer) (*Vault, error) {
	if masterKey == nil {
		return nil, fmt.Errorf("vault: master key is required")
	}
	if masterKey.Len() != KeySize {
		return nil, fmt.Errorf("vault: master key is %d bytes, want %d", masterKey.Len(), KeySize)
	}
	return &Vault{masterKey: masterKey}, nil
}

// EncryptSecret seals a hub sync secret into a storage blob bound to
// the given serial. The syncSecret slice is borrowed and not zeroed —
// the caller decides its lifetime.
func (v *Vault) EncryptSecret(serial string, syncSecret []byte, pairedAt int64) ([]byte, error) {
	if serial == "" {
		return nil, fmt.Errorf("vault: serial is required")
	}
	if len(syncSecret) == 0 {
		return nil, fmt.Errorf("vault: sync secret is empty")
	}

	plaintext, err := codec.Marshal(secretBundle{
		Serial:   serial,
		Key:      syncSecret,
		PairedAt: pairedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("vault: encoding secret bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	aead, err := chacha20poly1305.New(v.masterKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: initializing cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	// Seal produces ciphertext || tag; the storage layout is
	// nonce || tag || ciphertext, so split and reorder.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// DecryptSecret opens a storage blob and returns the hub sync secret
// in an mmap-backed buffer the caller must close. Any failure — short
// blob, tag mismatch, undecodable bundle, serial mismatch — returns
// ErrCorruptSecret and no data.
func (v *Vault) DecryptSecret(serial string, blob []byte) (*secret.Buffer, error) {
	if len(blob) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: blob too short", ErrCorruptSecret)
	}

	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	ciphertext := blob[nonceSize+tagSize:]

	// Reassemble the ciphertext || tag form Open expects.
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	aead, err := chacha20poly1305.New(v.masterKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: initializing cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCorruptSecret)
	}
	defer secret.Zero(plaintext)

	var bundle secretBundle
	if err := codec.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("%w: undecodable bundle", ErrCorruptSecret)
	}
	if bundle.Serial != serial {
		secret.Zero(bundle.Key)
		return nil, fmt.Errorf("%w: serial binding mismatch", ErrCorruptSecret)
	}
	if len(bundle.Key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrCorruptSecret)
	}

	// NewFromBytes zeros bundle.Key after copying.
	buffer, err := secret.NewFromBytes(bundle.Key)
	if err != nil {
		return nil, fmt.Errorf("vault: protecting decrypted secret: %w", err)
	}
	return buffer, nil
}
