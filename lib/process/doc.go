// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the standard binary entrypoint error
// handler.
package process
