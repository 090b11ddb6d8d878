// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hearthware/fleetsync/lib/secret"
)

func testVault(t *testing.T) *Vault {
	t.Helper()

	key := bytes.Repeat([]byte{0x42}, KeySize)
	buffer, err := secret.NewFromBytes(key)
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })

	v, err := New(buffer)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)

	blob, err := v.EncryptSecret("HW-00412", []byte("shared-sync-secret"), 1770000000)
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	plaintext, err := v.DecryptSecret("HW-00412", blob)
	if err != nil {
		t.Fatalf("DecryptSecret: %v", err)
	}
	defer plaintext.Close()

	if got := string(plaintext.Bytes()); got != "shared-sync-secret" {
		t.Errorf("decrypted secret = %q, want %q", got, "shared-sync-secret")
	}
}

func TestNoncesAreFresh(t *testing.T) {
	v := testVault(t)

	first, err := v.EncryptSecret("HW-00412", []byte("same-secret"), 0)
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	second, err := v.EncryptSecret("HW-00412", []byte("same-secret"), 0)
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	if bytes.Equal(first, second) {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	v := testVault(t)

	blob, err := v.EncryptSecret("HW-00412", []byte("shared-sync-secret"), 0)
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	// Truncated blob.
	if _, err := v.DecryptSecret("HW-00412", blob[:10]); !errors.Is(err, ErrCorruptSecret) {
		t.Errorf("truncated blob: got %v, want ErrCorruptSecret", err)
	}

	// Flipped ciphertext bit.
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := v.DecryptSecret("HW-00412", tampered); !errors.Is(err, ErrCorruptSecret) {
		t.Errorf("tampered ciphertext: got %v, want ErrCorruptSecret", err)
	}

	// Flipped tag bit.
	tampered = append([]byte(nil), blob...)
	tampered[12] ^= 0x01
	if _, err := v.DecryptSecret("HW-00412", tampered); !errors.Is(err, ErrCorruptSecret) {
		t.Errorf("tampered tag: got %v, want ErrCorruptSecret", err)
	}
}

func TestSerialBinding(t *testing.T) {
	v := testVault(t)

	blob, err := v.EncryptSecret("HW-00412", []byte("shared-sync-secret"), 0)
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	// The blob decrypts cleanly but belongs to a different hub row.
	if _, err := v.DecryptSecret("HW-99999", blob); !errors.Is(err, ErrCorruptSecret) {
		t.Errorf("swapped serial: got %v, want ErrCorruptSecret", err)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	short, err := secret.NewFromBytes([]byte("too-short"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	defer short.Close()

	if _, err := New(short); err == nil {
		t.Error("New accepted a short master key")
	}
	if _, err := New(nil); err == nil {
		t.Error("New accepted a nil master key")
	}
}
