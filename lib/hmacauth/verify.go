// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultMaxSkew is the default tolerance between a heartbeat's
// claimed timestamp and server time.
const DefaultMaxSkew = 300 * time.Second

// Errors returned by Verify. Callers map all of these to the same
// externally visible rejection so a probing client cannot learn which
// check failed.
var (
	ErrStaleTimestamp = errors.New("hmacauth: timestamp outside skew window")
	ErrBadSignature   = errors.New("hmacauth: signature mismatch")
)

// Request is the signed portion of a heartbeat.
type Request struct {
	// Serial is the hub identity the signature covers.
	Serial string

	// Timestamp is the hub's claimed Unix time in seconds.
	Timestamp int64

	// Nonce is the single-use opaque value for this request.
	Nonce string

	// Signature is the hex-encoded HMAC-SHA256 digest.
	Signature string
}

// Verify checks the request against the shared secret using the
// current wall clock. See VerifyAt.
func Verify(request Request, secret []byte, maxSkew time.Duration) error {
	return VerifyAt(request, secret, maxSkew, time.Now())
}

// VerifyAt checks the request against the shared secret at an explicit
// time, for deterministic tests.
//
// The timestamp is checked first: computing the HMAC for an
// out-of-window request would be wasted work, and the skew error is
// never distinguishable to the client anyway. The signature compare is
// constant time.
func VerifyAt(request Request, secret []byte, maxSkew time.Duration, now time.Time) error {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	// Range check rather than subtract-and-compare: a hostile
	// timestamp near the int64 limits would overflow the subtraction
	// and slip past the window.
	window := int64(maxSkew / time.Second)
	if request.Timestamp < now.Unix()-window || request.Timestamp > now.Unix()+window {
		return ErrStaleTimestamp
	}

	supplied, err := hex.DecodeString(request.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrBadSignature)
	}

	expected := Sign(request.Serial, request.Timestamp, request.Nonce, secret)
	if subtle.ConstantTimeCompare(expected, supplied) != 1 {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the raw HMAC-SHA256 digest a hub produces for a
// heartbeat: HMAC(secret, serial || "." || timestamp || "." || nonce).
// Exported for the hub-side agent and for tests.
func Sign(serial string, timestamp int64, nonce string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(serial))
	mac.Write([]byte("."))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// SignHex returns the hex encoding of Sign, the wire form of the
// heartbeat signature field.
func SignHex(serial string, timestamp int64, nonce string, secret []byte) string {
	return hex.EncodeToString(Sign(serial, timestamp, nonce, secret))
}
