// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance it explicitly.
//
// Every fleetsync component that makes a time-dependent decision —
// skew checks, grace windows, rotation due times, replay retention —
// takes a Clock instead of calling the time package directly, so the
// full credential lifecycle can be exercised under a simulated clock.
package clock
