// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP body helpers. All JSON bodies
// fleetsync reads — heartbeat requests, pairing requests, collaborator
// responses — are small; the bounds exist so a misbehaving peer cannot
// exhaust memory, not to constrain legitimate traffic.
package netutil
