// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle is the versioned credential state machine for a
// hub. It is pure: Plan inspects a hub's credential set at a point in
// time and returns the transitions to apply, without touching storage
// or the network. The store executes the returned plan inside one
// transaction per hub.
//
// Credential states and transitions:
//
//	PENDING — minted, not yet confirmed fetched by the hub.
//	ACTIVE  — the credential the service currently trusts.
//	EXPIRED — superseded; still accepted until its grace window ends.
//
// The promote gate is the load-bearing rule: a PENDING credential at
// version v becomes ACTIVE only after a heartbeat reports the hub has
// seen version >= v. Promoting earlier would let the service retire
// the old credential while the hub still only holds the old one,
// stranding it permanently. The grace window on the superseded
// credential is the second safety margin, covering loss of the
// response that carried the new credential.
package lifecycle
