// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hearthware/fleetsync/lib/clock"
	"github.com/hearthware/fleetsync/lib/lifecycle"
	"github.com/hearthware/fleetsync/lib/sqlitepool"
)

// Store errors. ErrReplay is the typed conflict result of the replay
// guard's insert-or-conflict: a duplicate (serial, nonce) surfaces
// here, never as a silent success.
var (
	ErrUnknownHub     = errors.New("store: unknown hub")
	ErrNotPaired      = errors.New("store: hub has no provisioned secret")
	ErrAlreadyPaired  = errors.New("store: hub is already paired")
	ErrReplay         = errors.New("store: nonce already recorded")
	ErrNoPendingToken = errors.New("store: plan references a missing credential")
)

// schema is applied once per connection. The primary keys are load
// bearing: (serial, nonce) makes the replay check a single atomic
// insert, and (serial, version) prevents two concurrent heartbeats
// from minting the same credential version.
const schema = `
CREATE TABLE IF NOT EXISTS hubs (
	serial                TEXT PRIMARY KEY,
	secret_blob           BLOB,
	platform_sync_enabled INTEGER NOT NULL DEFAULT 1,
	rotate_every_minutes  INTEGER NOT NULL,
	grace_minutes         INTEGER NOT NULL,
	published_version     INTEGER NOT NULL DEFAULT 0,
	last_acked_version    INTEGER NOT NULL DEFAULT 0,
	last_seen_at          INTEGER,
	lan_base_url          TEXT,
	paired_at             INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credential_versions (
	serial       TEXT NOT NULL REFERENCES hubs(serial) ON DELETE CASCADE,
	version      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	token_hash   TEXT NOT NULL,
	token_blob   BLOB NOT NULL,
	minted_at    INTEGER NOT NULL,
	published_at INTEGER,
	expired_at   INTEGER,
	PRIMARY KEY (serial, version)
);

CREATE TABLE IF NOT EXISTS replay_nonces (
	serial     TEXT NOT NULL,
	nonce      TEXT NOT NULL,
	claimed_ts INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (serial, nonce)
);
CREATE INDEX IF NOT EXISTS idx_replay_nonces_created ON replay_nonces(created_at);
`

// Store manages SQLite storage for hub identities, credential
// versions, and replay records. The per-hub lifecycle read-modify-
// write runs inside an IMMEDIATE transaction, which serializes
// concurrent heartbeats for the same hub at the storage layer.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening the service store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Clock provides transaction time. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// HubRecord is a hub identity row.
type HubRecord struct {
	Serial              string
	SecretBlob          []byte // vault ciphertext; nil until paired
	PlatformSyncEnabled bool
	RotateEvery         time.Duration
	Grace               time.Duration
	PublishedVersion    int64
	LastAckedVersion    int64
	LastSeenAt          time.Time // zero until first heartbeat
	LANBaseURL          string
	PairedAt            time.Time
}

// HubState is the post-heartbeat view returned to the hub.
type HubState struct {
	PlatformSyncEnabled bool
	RotateEvery         time.Duration
	PublishedVersion    int64
	LatestVersion       int64
	AcceptedHashes      []string
}

// MintFunc generates a new credential at the given version: plaintext
// digest plus the vault-encrypted blob to store. Called inside the
// lifecycle transaction when the plan mints.
type MintFunc func(version int64) (hash string, blob []byte, err error)

// OpenStore opens the service database, creating the schema if
// needed.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CreateHub inserts a hub row at pairing time. The sync secret is set
// exactly once here and is immutable afterwards; pairing an existing
// serial returns ErrAlreadyPaired.
func (s *Store) CreateHub(ctx context.Context, hub HubRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create hub: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO hubs
		(serial, secret_blob, platform_sync_enabled, rotate_every_minutes,
		 grace_minutes, paired_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			hub.Serial,
			hub.SecretBlob,
			boolToInt(hub.PlatformSyncEnabled),
			int64(hub.RotateEvery / time.Minute),
			int64(hub.Grace / time.Minute),
			hub.PairedAt.Unix(),
		},
	})
	if err != nil {
		if isConstraintViolation(err) {
			return ErrAlreadyPaired
		}
		return fmt.Errorf("store: create hub %s: %w", hub.Serial, err)
	}
	return nil
}

// GetHub loads a hub row. Returns ErrUnknownHub if no row exists and
// ErrNotPaired if the row exists but carries no secret.
func (s *Store) GetHub(ctx context.Context, serial string) (HubRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return HubRecord{}, fmt.Errorf("store: get hub: %w", err)
	}
	defer s.pool.Put(conn)

	return getHub(conn, serial)
}

func getHub(conn *sqlite.Conn, serial string) (HubRecord, error) {
	var hub HubRecord
	var found bool

	err := sqlitex.Execute(conn, `SELECT serial, secret_blob,
		platform_sync_enabled, rotate_every_minutes, grace_minutes,
		published_version, last_acked_version, last_seen_at, lan_base_url,
		paired_at
		FROM hubs WHERE serial = ?`, &sqlitex.ExecOptions{
		Args: []any{serial},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			hub.Serial = stmt.ColumnText(0)
			if !stmt.ColumnIsNull(1) {
				hub.SecretBlob = make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, hub.SecretBlob)
			}
			hub.PlatformSyncEnabled = stmt.ColumnInt(2) != 0
			hub.RotateEvery = time.Duration(stmt.ColumnInt64(3)) * time.Minute
			hub.Grace = time.Duration(stmt.ColumnInt64(4)) * time.Minute
			hub.PublishedVersion = stmt.ColumnInt64(5)
			hub.LastAckedVersion = stmt.ColumnInt64(6)
			if !stmt.ColumnIsNull(7) {
				hub.LastSeenAt = time.Unix(stmt.ColumnInt64(7), 0).UTC()
			}
			hub.LANBaseURL = stmt.ColumnText(8)
			hub.PairedAt = time.Unix(stmt.ColumnInt64(9), 0).UTC()
			return nil
		},
	})
	if err != nil {
		return HubRecord{}, fmt.Errorf("store: get hub %s: %w", serial, err)
	}
	if !found {
		return HubRecord{}, ErrUnknownHub
	}
	if len(hub.SecretBlob) == 0 {
		return hub, ErrNotPaired
	}
	return hub, nil
}

// RecordNonce atomically records a (serial, nonce) pair. A duplicate
// returns ErrReplay — the caller must reject the request regardless
// of signature validity. On success, records older than the retention
// cutoff are opportunistically deleted; that cleanup is best effort
// and its failure is logged, not returned, because only the
// uniqueness check is load bearing.
func (s *Store) RecordNonce(ctx context.Context, serial, nonce string, claimedTS int64, trustWindow time.Duration) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: record nonce: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()

	err = sqlitex.Execute(conn,
		"INSERT INTO replay_nonces (serial, nonce, claimed_ts, created_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{serial, nonce, claimedTS, now.Unix()},
		})
	if err != nil {
		if isConstraintViolation(err) {
			return ErrReplay
		}
		return fmt.Errorf("store: record nonce for %s: %w", serial, err)
	}

	cutoff := now.Add(-trustWindow).Unix()
	err = sqlitex.Execute(conn,
		"DELETE FROM replay_nonces WHERE created_at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		s.logger.Warn("replay record cleanup failed", "error", err)
	}
	return nil
}

// SweepReplay deletes replay records older than the cutoff. Called by
// the background retention ticker; returns the number of rows
// removed.
func (s *Store) SweepReplay(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: sweep replay: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM replay_nonces WHERE created_at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("store: sweep replay: %w", err)
	}
	return conn.Changes(), nil
}

// SweepExpiredCredentials physically deletes EXPIRED credentials
// whose grace window has fully elapsed. The accepted-hash set already
// excludes them by time, so this is housekeeping; returns the number
// of rows removed.
func (s *Store) SweepExpiredCredentials(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: sweep credentials: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM credential_versions
		WHERE (serial, version) IN (
			SELECT cv.serial, cv.version
			FROM credential_versions cv
			JOIN hubs h ON h.serial = cv.serial
			WHERE cv.status = 'EXPIRED'
			  AND cv.expired_at IS NOT NULL
			  AND cv.expired_at + h.grace_minutes * 60 <= ?
		)`, &sqlitex.ExecOptions{Args: []any{now.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("store: sweep credentials: %w", err)
	}
	return conn.Changes(), nil
}

// AdvanceLifecycle runs the Expire → Promote → Seed → Rotate sequence
// for one hub inside a single IMMEDIATE transaction, then updates the
// hub's last-seen bookkeeping. The transaction serializes concurrent
// heartbeats for the same hub: two racing requests cannot both mint
// or both promote.
//
// mint is invoked inside the transaction when the plan calls for a
// new PENDING credential.
func (s *Store) AdvanceLifecycle(ctx context.Context, serial string, agentSeenVersion int64, mint MintFunc) (HubState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return HubState{}, fmt.Errorf("store: advance lifecycle: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return HubState{}, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	hub, err := getHub(conn, serial)
	if err != nil {
		return HubState{}, err
	}

	credentials, err := loadCredentials(conn, serial)
	if err != nil {
		return HubState{}, err
	}

	now := s.clock.Now()
	hubSettings := lifecycle.Hub{
		RotationEnabled: hub.PlatformSyncEnabled,
		RotateEvery:     hub.RotateEvery,
		Grace:           hub.Grace,
	}

	plan := lifecycle.Compute(hubSettings, credentials, agentSeenVersion, now)
	credentials, err = s.applyPlan(conn, serial, credentials, plan, now, mint)
	if err != nil {
		return HubState{}, err
	}

	publishedVersion := lifecycle.PublishedVersion(credentials)
	lastAcked := hub.LastAckedVersion
	if agentSeenVersion > lastAcked {
		lastAcked = agentSeenVersion
	}

	err = sqlitex.Execute(conn, `UPDATE hubs SET
		published_version = ?, last_acked_version = ?, last_seen_at = ?
		WHERE serial = ?`, &sqlitex.ExecOptions{
		Args: []any{publishedVersion, lastAcked, now.Unix(), serial},
	})
	if err != nil {
		return HubState{}, fmt.Errorf("store: update hub %s: %w", serial, err)
	}

	return HubState{
		PlatformSyncEnabled: hub.PlatformSyncEnabled,
		RotateEvery:         hub.RotateEvery,
		PublishedVersion:    publishedVersion,
		LatestVersion:       lifecycle.LatestVersion(credentials),
		AcceptedHashes:      lifecycle.AcceptedHashes(hubSettings, credentials, now),
	}, nil
}

// applyPlan executes the planned transitions and returns the updated
// in-memory credential set. Must run inside the caller's transaction.
func (s *Store) applyPlan(conn *sqlite.Conn, serial string, credentials []lifecycle.Credential, plan lifecycle.Plan, now time.Time, mint MintFunc) ([]lifecycle.Credential, error) {
	for _, version := range plan.DropVersions {
		err := sqlitex.Execute(conn,
			"DELETE FROM credential_versions WHERE serial = ? AND version = ?",
			&sqlitex.ExecOptions{Args: []any{serial, version}})
		if err != nil {
			return nil, fmt.Errorf("store: drop credential %s/%d: %w", serial, version, err)
		}
		credentials = removeVersion(credentials, version)
	}

	if plan.SupersedeVersion != 0 {
		err := sqlitex.Execute(conn,
			"UPDATE credential_versions SET status = ?, expired_at = ? WHERE serial = ? AND version = ?",
			&sqlitex.ExecOptions{Args: []any{
				string(lifecycle.StatusExpired), now.Unix(), serial, plan.SupersedeVersion,
			}})
		if err != nil {
			return nil, fmt.Errorf("store: supersede credential %s/%d: %w", serial, plan.SupersedeVersion, err)
		}
		credential := findVersion(credentials, plan.SupersedeVersion)
		if credential == nil {
			return nil, ErrNoPendingToken
		}
		credential.Status = lifecycle.StatusExpired
		credential.ExpiredAt = now
	}

	if plan.PromoteVersion != 0 {
		err := sqlitex.Execute(conn,
			"UPDATE credential_versions SET status = ?, published_at = ? WHERE serial = ? AND version = ?",
			&sqlitex.ExecOptions{Args: []any{
				string(lifecycle.StatusActive), now.Unix(), serial, plan.PromoteVersion,
			}})
		if err != nil {
			return nil, fmt.Errorf("store: promote credential %s/%d: %w", serial, plan.PromoteVersion, err)
		}
		credential := findVersion(credentials, plan.PromoteVersion)
		if credential == nil {
			return nil, ErrNoPendingToken
		}
		credential.Status = lifecycle.StatusActive
		credential.PublishedAt = now
	}

	if plan.MintVersion != 0 {
		hash, blob, err := mint(plan.MintVersion)
		if err != nil {
			return nil, fmt.Errorf("store: minting credential %s/%d: %w", serial, plan.MintVersion, err)
		}
		err = sqlitex.Execute(conn, `INSERT INTO credential_versions
			(serial, version, status, token_hash, token_blob, minted_at)
			VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				serial, plan.MintVersion, string(lifecycle.StatusPending),
				hash, blob, now.Unix(),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("store: insert credential %s/%d: %w", serial, plan.MintVersion, err)
		}
		credentials = append(credentials, lifecycle.Credential{
			Version: plan.MintVersion,
			Status:  lifecycle.StatusPending,
			Hash:    hash,
		})
	}

	return credentials, nil
}

// loadCredentials reads a hub's full credential set.
func loadCredentials(conn *sqlite.Conn, serial string) ([]lifecycle.Credential, error) {
	var credentials []lifecycle.Credential

	err := sqlitex.Execute(conn, `SELECT version, status, token_hash,
		published_at, expired_at
		FROM credential_versions WHERE serial = ? ORDER BY version`,
		&sqlitex.ExecOptions{
			Args: []any{serial},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				credential := lifecycle.Credential{
					Version: stmt.ColumnInt64(0),
					Status:  lifecycle.Status(stmt.ColumnText(1)),
					Hash:    stmt.ColumnText(2),
				}
				if !stmt.ColumnIsNull(3) {
					credential.PublishedAt = time.Unix(stmt.ColumnInt64(3), 0).UTC()
				}
				if !stmt.ColumnIsNull(4) {
					credential.ExpiredAt = time.Unix(stmt.ColumnInt64(4), 0).UTC()
				}
				credentials = append(credentials, credential)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: load credentials for %s: %w", serial, err)
	}
	return credentials, nil
}

// UpdateLANBaseURL persists a validated LAN base URL.
func (s *Store) UpdateLANBaseURL(ctx context.Context, serial, url string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update lan url: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE hubs SET lan_base_url = ? WHERE serial = ?",
		&sqlitex.ExecOptions{Args: []any{url, serial}})
	if err != nil {
		return fmt.Errorf("store: update lan url for %s: %w", serial, err)
	}
	return nil
}

// CountHubs returns the number of paired hubs, for the status
// endpoint.
func (s *Store) CountHubs(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count hubs: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM hubs WHERE secret_blob IS NOT NULL",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: count hubs: %w", err)
	}
	return count, nil
}

// isConstraintViolation reports whether err is a SQLite unique or
// primary key constraint failure — the conflict arm of the replay
// guard and of credential version minting.
func isConstraintViolation(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return true
	}
	return false
}

func findVersion(credentials []lifecycle.Credential, version int64) *lifecycle.Credential {
	for i := range credentials {
		if credentials[i].Version == version {
			return &credentials[i]
		}
	}
	return nil
}

func removeVersion(credentials []lifecycle.Credential, version int64) []lifecycle.Credential {
	for i := range credentials {
		if credentials[i].Version == version {
			return append(credentials[:i], credentials[i+1:]...)
		}
	}
	return credentials
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
