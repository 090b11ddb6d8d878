// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthware/fleetsync/lib/netutil"
)

// ConnectionPublisher forwards validated LAN base URLs to the
// connection-config collaborator. Publish failures never fail the
// heartbeat that produced the update.
type ConnectionPublisher interface {
	Publish(ctx context.Context, serial, lanBaseURL string) error
}

// NoopPublisher discards updates. Used when no connection-config
// endpoint is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, string) error { return nil }

// HTTPPublisher POSTs LAN base URL updates as JSON to a fixed
// endpoint.
type HTTPPublisher struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPPublisher creates a publisher for the given endpoint. The
// timeout bounds each request end to end.
func NewHTTPPublisher(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPPublisher {
	if endpoint == "" {
		panic("publisher: endpoint is required")
	}
	if logger == nil {
		panic("publisher: logger is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPublisher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type lanURLUpdate struct {
	Serial     string `json:"serial"`
	LANBaseURL string `json:"lanBaseUrl"`
}

// Publish sends one update. A non-2xx response is an error carrying
// the status and a bounded read of the body.
func (p *HTTPPublisher) Publish(ctx context.Context, serial, lanBaseURL string) error {
	payload, err := json.Marshal(lanURLUpdate{Serial: serial, LANBaseURL: lanBaseURL})
	if err != nil {
		return fmt.Errorf("publisher: encoding update: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("publisher: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.client.Do(request)
	if err != nil {
		return fmt.Errorf("publisher: posting to %s: %w", p.endpoint, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("publisher: %s returned %d: %s",
			p.endpoint, response.StatusCode, netutil.ErrorBody(response.Body))
	}

	p.logger.Debug("published LAN base URL", "serial", serial, "url", lanBaseURL)
	return nil
}
