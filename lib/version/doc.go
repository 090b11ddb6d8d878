// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for fleetsync
// binaries. Values are injected at build time via -ldflags:
//
//	go build -ldflags "-X github.com/hearthware/fleetsync/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
