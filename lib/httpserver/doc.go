// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpserver manages the lifecycle of fleetsync's HTTP
// listener: bind, readiness signaling, and graceful shutdown. The
// caller provides the http.Handler (routing, authentication, payload
// processing).
package httpserver
