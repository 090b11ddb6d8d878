// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite's connection pool
// with fleetsync's standard pragmas: WAL journaling for concurrent
// readers, NORMAL synchronous, a busy timeout so writers queue instead
// of failing, and foreign keys enforced (credential and replay rows
// reference hub rows).
//
// Individual connections are not safe for concurrent use — each
// goroutine takes its own connection and puts it back when done.
package sqlitepool
