// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for fleetsync
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - the FLEETSYNC_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This keeps
// configuration deterministic and auditable with no hidden overrides.
//
// The vault master key never appears in the config file itself — the
// file names a key file, and the key is read into locked memory at
// startup. A missing or malformed key is a fatal startup error, not a
// runtime surprise.
package config
