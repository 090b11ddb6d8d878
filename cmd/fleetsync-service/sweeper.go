// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthware/fleetsync/lib/clock"
)

// RunSweeper periodically removes replay records older than the trust
// window and EXPIRED credentials past their grace. Blocks until ctx
// is cancelled; sweep errors are logged and the loop continues.
func RunSweeper(ctx context.Context, store *Store, clk clock.Clock, interval, trustWindow time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("sweeper started", "interval", interval, "trust_window", trustWindow)

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case now := <-ticker.C:
			replayRemoved, err := store.SweepReplay(ctx, now.Add(-trustWindow))
			if err != nil {
				logger.Error("replay sweep failed", "error", err)
			}
			credentialsRemoved, err := store.SweepExpiredCredentials(ctx, now)
			if err != nil {
				logger.Error("credential sweep failed", "error", err)
			}
			if replayRemoved > 0 || credentialsRemoved > 0 {
				logger.Info("sweep complete",
					"replay_records_removed", replayRemoved,
					"credentials_removed", credentialsRemoved)
			}
		}
	}
}
