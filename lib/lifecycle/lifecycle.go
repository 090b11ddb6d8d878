// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "time"

// Status is a credential's lifecycle state.
type Status string

const (
	// StatusPending is a minted credential the hub has not yet
	// confirmed fetching.
	StatusPending Status = "PENDING"

	// StatusActive is the credential the service currently trusts.
	// At most one per hub.
	StatusActive Status = "ACTIVE"

	// StatusExpired is a superseded credential, still accepted until
	// its grace window elapses.
	StatusExpired Status = "EXPIRED"
)

// Credential is one minted credential version as the planner sees it.
type Credential struct {
	// Version is strictly increasing per hub. Gaps are allowed.
	Version int64

	Status Status

	// Hash is the hex digest of the credential plaintext.
	Hash string

	// PublishedAt is when the credential was promoted to ACTIVE.
	// Zero for PENDING credentials.
	PublishedAt time.Time

	// ExpiredAt is when the credential was superseded. The grace
	// window runs from this moment, not from the credential's own
	// creation or publication time. Zero unless EXPIRED.
	ExpiredAt time.Time
}

// Hub carries the per-hub settings the planner needs.
type Hub struct {
	// RotationEnabled mirrors the hub's platformSyncEnabled flag: when
	// false, no new credentials are minted by rotation (seeding still
	// happens so the hub has a credential at all).
	RotationEnabled bool

	// RotateEvery is how long an ACTIVE credential stays published
	// before a PENDING successor is minted.
	RotateEvery time.Duration

	// Grace is how long a superseded credential remains accepted.
	Grace time.Duration
}

// Plan is the set of transitions to apply for one heartbeat, in
// order: drop fully-expired credentials, promote, supersede, mint.
// Zero values mean "no such transition".
type Plan struct {
	// DropVersions are EXPIRED credentials whose grace window has
	// fully elapsed. Dropping is housekeeping — the accepted-hash set
	// already excludes them by time — so the store may apply it
	// physically or skip it under load.
	DropVersions []int64

	// PromoteVersion is the PENDING credential to transition to
	// ACTIVE, or 0.
	PromoteVersion int64

	// SupersedeVersion is the previously ACTIVE credential to move to
	// EXPIRED-with-grace, or 0. Set only together with
	// PromoteVersion.
	SupersedeVersion int64

	// MintVersion is the version number of a new PENDING credential
	// to mint, or 0. Minting happens for two reasons: seeding a hub
	// with no live credential, or rotating an ACTIVE credential past
	// its rotation interval.
	MintVersion int64
}

// IsZero reports whether the plan contains no transitions.
func (p Plan) IsZero() bool {
	return len(p.DropVersions) == 0 && p.PromoteVersion == 0 &&
		p.SupersedeVersion == 0 && p.MintVersion == 0
}

// Compute derives the transitions for one heartbeat. credentials is
// the hub's full credential set; agentSeenVersion is the highest
// version the hub reports holding; now is the transaction time.
//
// The sequence is fixed: Expire, then Promote, then Seed-if-needed,
// then Rotate. A promotion sets PublishedAt to now, so a freshly
// promoted credential never immediately rotates in the same plan.
func Compute(hub Hub, credentials []Credential, agentSeenVersion int64, now time.Time) Plan {
	var plan Plan

	var pending, active *Credential
	var maxVersion int64
	for i := range credentials {
		credential := &credentials[i]
		if credential.Version > maxVersion {
			maxVersion = credential.Version
		}
		switch credential.Status {
		case StatusPending:
			pending = credential
		case StatusActive:
			active = credential
		case StatusExpired:
			if !credential.ExpiredAt.IsZero() && now.Sub(credential.ExpiredAt) >= hub.Grace {
				plan.DropVersions = append(plan.DropVersions, credential.Version)
			}
		}
	}

	// Promote: only once the hub has confirmed it holds the pending
	// version. The heartbeat that reports agentSeenVersion >= v proves
	// the hub fetched version v in an earlier response.
	promoted := false
	if pending != nil && agentSeenVersion >= pending.Version {
		plan.PromoteVersion = pending.Version
		if active != nil {
			plan.SupersedeVersion = active.Version
		}
		promoted = true
	}

	// Seed: a hub with neither a PENDING nor an ACTIVE credential has
	// nothing to converge toward. Version numbers stay strictly
	// increasing even across a reset that left EXPIRED rows behind.
	if pending == nil && active == nil {
		plan.MintVersion = maxVersion + 1
		return plan
	}

	// Rotate: an ACTIVE credential past its rotation interval with no
	// successor in flight gets one. A promotion this instant resets
	// the published time, so promoted credentials never rotate in the
	// same heartbeat.
	if !hub.RotationEnabled || promoted || pending != nil || active == nil {
		return plan
	}
	if hub.RotateEvery > 0 && now.Sub(active.PublishedAt) >= hub.RotateEvery {
		plan.MintVersion = maxVersion + 1
	}

	return plan
}

// AcceptedHashes returns the digests a hub should trust at the given
// instant: the ACTIVE credential plus any EXPIRED credential still
// inside its grace window. This is the authoritative set — the hub
// uses it to decide which locally cached credential remains valid.
func AcceptedHashes(hub Hub, credentials []Credential, now time.Time) []string {
	var hashes []string
	for i := range credentials {
		credential := &credentials[i]
		switch credential.Status {
		case StatusActive:
			hashes = append(hashes, credential.Hash)
		case StatusExpired:
			if !credential.ExpiredAt.IsZero() && now.Sub(credential.ExpiredAt) < hub.Grace {
				hashes = append(hashes, credential.Hash)
			}
		}
	}
	return hashes
}

// LatestVersion returns the highest minted version, or 0 when the hub
// has no credentials.
func LatestVersion(credentials []Credential) int64 {
	var max int64
	for i := range credentials {
		if credentials[i].Version > max {
			max = credentials[i].Version
		}
	}
	return max
}

// PublishedVersion returns the version of the ACTIVE credential, or 0
// when none is active.
func PublishedVersion(credentials []Credential) int64 {
	for i := range credentials {
		if credentials[i].Status == StatusActive {
			return credentials[i].Version
		}
	}
	return 0
}
