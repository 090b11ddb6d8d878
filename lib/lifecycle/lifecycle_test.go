// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"testing"
	"time"
)

var testHub = Hub{
	RotationEnabled: true,
	RotateEvery:     24 * time.Hour,
	Grace:           30 * time.Minute,
}

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func TestSeedFreshHub(t *testing.T) {
	plan := Compute(testHub, nil, 0, testNow)

	if plan.MintVersion != 1 {
		t.Errorf("MintVersion = %d, want 1", plan.MintVersion)
	}
	if plan.PromoteVersion != 0 || plan.SupersedeVersion != 0 {
		t.Errorf("fresh hub plan has promote/supersede: %+v", plan)
	}
}

func TestSeedAfterResetKeepsVersionsIncreasing(t *testing.T) {
	// A reset left EXPIRED rows behind; the next mint must not reuse
	// version numbers.
	credentials := []Credential{
		{Version: 3, Status: StatusExpired, Hash: "h3", ExpiredAt: testNow.Add(-2 * time.Hour)},
	}

	plan := Compute(testHub, credentials, 3, testNow)
	if plan.MintVersion != 4 {
		t.Errorf("MintVersion = %d, want 4", plan.MintVersion)
	}
}

func TestPromoteGate(t *testing.T) {
	credentials := []Credential{
		{Version: 2, Status: StatusPending, Hash: "h2"},
		{Version: 1, Status: StatusActive, Hash: "h1", PublishedAt: testNow.Add(-time.Hour)},
	}

	// The hub has not confirmed seeing version 2: no promotion.
	plan := Compute(testHub, credentials, 1, testNow)
	if plan.PromoteVersion != 0 {
		t.Errorf("promoted with agentSeenVersion=1: %+v", plan)
	}

	// First heartbeat confirming version 2 promotes it and supersedes
	// the old ACTIVE.
	plan = Compute(testHub, credentials, 2, testNow)
	if plan.PromoteVersion != 2 {
		t.Errorf("PromoteVersion = %d, want 2", plan.PromoteVersion)
	}
	if plan.SupersedeVersion != 1 {
		t.Errorf("SupersedeVersion = %d, want 1", plan.SupersedeVersion)
	}

	// agentSeenVersion beyond the pending version also promotes.
	plan = Compute(testHub, credentials, 5, testNow)
	if plan.PromoteVersion != 2 {
		t.Errorf("PromoteVersion with agentSeenVersion=5 = %d, want 2", plan.PromoteVersion)
	}
}

func TestPromoteFirstCredentialHasNoSupersede(t *testing.T) {
	credentials := []Credential{
		{Version: 1, Status: StatusPending, Hash: "h1"},
	}

	plan := Compute(testHub, credentials, 1, testNow)
	if plan.PromoteVersion != 1 {
		t.Errorf("PromoteVersion = %d, want 1", plan.PromoteVersion)
	}
	if plan.SupersedeVersion != 0 {
		t.Errorf("SupersedeVersion = %d, want 0", plan.SupersedeVersion)
	}
}

func TestRotateTrigger(t *testing.T) {
	credentials := []Credential{
		{Version: 3, Status: StatusActive, Hash: "h3", PublishedAt: testNow.Add(-25 * time.Hour)},
	}

	plan := Compute(testHub, credentials, 3, testNow)
	if plan.MintVersion != 4 {
		t.Errorf("MintVersion = %d, want 4", plan.MintVersion)
	}
}

func TestRotateNotDueYet(t *testing.T) {
	credentials := []Credential{
		{Version: 3, Status: StatusActive, Hash: "h3", PublishedAt: testNow.Add(-23 * time.Hour)},
	}

	plan := Compute(testHub, credentials, 3, testNow)
	if !plan.IsZero() {
		t.Errorf("rotation before the interval elapsed: %+v", plan)
	}
}

func TestRotateSuppressedWhilePendingExists(t *testing.T) {
	credentials := []Credential{
		{Version: 4, Status: StatusPending, Hash: "h4"},
		{Version: 3, Status: StatusActive, Hash: "h3", PublishedAt: testNow.Add(-48 * time.Hour)},
	}

	// Hub still reports version 3: no promotion, and no second
	// pending despite the active credential being far past rotation.
	plan := Compute(testHub, credentials, 3, testNow)
	if plan.MintVersion != 0 {
		t.Errorf("minted while a PENDING exists: %+v", plan)
	}
}

func TestRotateDisabled(t *testing.T) {
	hub := testHub
	hub.RotationEnabled = false

	credentials := []Credential{
		{Version: 1, Status: StatusActive, Hash: "h1", PublishedAt: testNow.Add(-48 * time.Hour)},
	}

	plan := Compute(hub, credentials, 1, testNow)
	if plan.MintVersion != 0 {
		t.Errorf("minted with rotation disabled: %+v", plan)
	}
}

func TestPromotionDoesNotRotateSameHeartbeat(t *testing.T) {
	// The active credential is long past rotation, but this heartbeat
	// promotes its successor — the successor's published time is now,
	// so no third credential is minted.
	credentials := []Credential{
		{Version: 2, Status: StatusPending, Hash: "h2"},
		{Version: 1, Status: StatusActive, Hash: "h1", PublishedAt: testNow.Add(-72 * time.Hour)},
	}

	plan := Compute(testHub, credentials, 2, testNow)
	if plan.PromoteVersion != 2 {
		t.Errorf("PromoteVersion = %d, want 2", plan.PromoteVersion)
	}
	if plan.MintVersion != 0 {
		t.Errorf("MintVersion = %d, want 0 in the promoting heartbeat", plan.MintVersion)
	}
}

func TestDropAfterGrace(t *testing.T) {
	credentials := []Credential{
		{Version: 2, Status: StatusActive, Hash: "h2", PublishedAt: testNow.Add(-time.Hour)},
		{Version: 1, Status: StatusExpired, Hash: "h1", ExpiredAt: testNow.Add(-31 * time.Minute)},
	}

	plan := Compute(testHub, credentials, 2, testNow)
	if len(plan.DropVersions) != 1 || plan.DropVersions[0] != 1 {
		t.Errorf("DropVersions = %v, want [1]", plan.DropVersions)
	}
}

func TestGraceOverlap(t *testing.T) {
	credentials := []Credential{
		{Version: 2, Status: StatusActive, Hash: "h2", PublishedAt: testNow},
		{Version: 1, Status: StatusExpired, Hash: "h1", ExpiredAt: testNow},
	}

	// Immediately after promotion both hashes are accepted.
	hashes := AcceptedHashes(testHub, credentials, testNow)
	if len(hashes) != 2 {
		t.Fatalf("accepted hashes right after promotion = %v, want both", hashes)
	}

	// After the grace window the superseded hash is gone.
	later := testNow.Add(testHub.Grace)
	hashes = AcceptedHashes(testHub, credentials, later)
	if len(hashes) != 1 || hashes[0] != "h2" {
		t.Errorf("accepted hashes after grace = %v, want [h2]", hashes)
	}
}

func TestVersionHelpers(t *testing.T) {
	credentials := []Credential{
		{Version: 5, Status: StatusPending},
		{Version: 4, Status: StatusActive},
		{Version: 3, Status: StatusExpired, ExpiredAt: testNow},
	}

	if got := LatestVersion(credentials); got != 5 {
		t.Errorf("LatestVersion = %d, want 5", got)
	}
	if got := PublishedVersion(credentials); got != 4 {
		t.Errorf("PublishedVersion = %d, want 4", got)
	}
	if got := LatestVersion(nil); got != 0 {
		t.Errorf("LatestVersion(nil) = %d, want 0", got)
	}
	if got := PublishedVersion(nil); got != 0 {
		t.Errorf("PublishedVersion(nil) = %d, want 0", got)
	}
}
