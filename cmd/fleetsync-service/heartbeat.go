// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hearthware/fleetsync/lib/clock"
	"github.com/hearthware/fleetsync/lib/hmacauth"
	"github.com/hearthware/fleetsync/lib/lanurl"
	"github.com/hearthware/fleetsync/lib/netutil"
	"github.com/hearthware/fleetsync/lib/secret"
	"github.com/hearthware/fleetsync/lib/tokenhash"
	"github.com/hearthware/fleetsync/lib/vault"
	"github.com/hearthware/fleetsync/lib/version"
)

// tokenSize is the credential plaintext size in bytes before hex
// encoding.
const tokenSize = 32

// Service is the HTTP API: heartbeat processing, operator pairing,
// and the status endpoint.
type Service struct {
	store        *Store
	vault        *vault.Vault
	pairingToken *secret.Buffer
	publisher    ConnectionPublisher
	clock        clock.Clock
	logger       *slog.Logger

	maxSkew            time.Duration
	hubServicePort     int
	defaultRotateEvery time.Duration
	defaultGrace       time.Duration

	startedAt          time.Time
	heartbeatsAccepted atomic.Int64
	heartbeatsRejected atomic.Int64
}

// ServiceConfig holds the collaborators and tunables for the HTTP
// service.
type ServiceConfig struct {
	// Store is the durable hub and credential store. Required.
	Store *Store

	// Vault seals and opens hub secrets. Required.
	Vault *vault.Vault

	// PairingToken is the operator bearer token guarding the pairing
	// endpoint. Required.
	PairingToken *secret.Buffer

	// Publisher receives validated LAN base URL updates. Required;
	// use NoopPublisher when forwarding is disabled.
	Publisher ConnectionPublisher

	// Clock provides request time. Required.
	Clock clock.Clock

	// Logger receives request outcomes. Required.
	Logger *slog.Logger

	// MaxSkew is the heartbeat timestamp tolerance. Defaults to
	// hmacauth.DefaultMaxSkew.
	MaxSkew time.Duration

	// HubServicePort is the well-known port LAN base URLs must carry.
	HubServicePort int

	// DefaultRotateEvery and DefaultGrace are assigned to hubs paired
	// without explicit values.
	DefaultRotateEvery time.Duration
	DefaultGrace       time.Duration
}

// NewService creates the HTTP service. Panics on missing
// collaborators: this is a wiring error, not a runtime condition.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Store == nil {
		panic("service: Store is required")
	}
	if cfg.Vault == nil {
		panic("service: Vault is required")
	}
	if cfg.PairingToken == nil {
		panic("service: PairingToken is required")
	}
	if cfg.Publisher == nil {
		panic("service: Publisher is required")
	}
	if cfg.Clock == nil {
		panic("service: Clock is required")
	}
	if cfg.Logger == nil {
		panic("service: Logger is required")
	}

	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = hmacauth.DefaultMaxSkew
	}
	hubServicePort := cfg.HubServicePort
	if hubServicePort == 0 {
		hubServicePort = 8123
	}

	return &Service{
		store:              cfg.Store,
		vault:              cfg.Vault,
		pairingToken:       cfg.PairingToken,
		publisher:          cfg.Publisher,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		maxSkew:            maxSkew,
		hubServicePort:     hubServicePort,
		defaultRotateEvery: cfg.DefaultRotateEvery,
		defaultGrace:       cfg.DefaultGrace,
		startedAt:          cfg.Clock.Now(),
	}
}

// TrustWindow is how long replay records are retained: five skew
// windows, so a record always outlives every timestamp the skew check
// would still accept.
func (s *Service) TrustWindow() time.Duration {
	return 5 * s.maxSkew
}

// Handler returns the routed HTTP handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/pair", s.handlePair)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	return mux
}

type heartbeatRequest struct {
	Serial           string `json:"serial"`
	Timestamp        int64  `json:"ts"`
	Nonce            string `json:"nonce"`
	Signature        string `json:"sig"`
	AgentSeenVersion int64  `json:"agentSeenVersion"`
	LANBaseURL       string `json:"lanBaseUrl,omitempty"`
}

type heartbeatResponse struct {
	OK                          bool     `json:"ok"`
	PlatformSyncEnabled         bool     `json:"platformSyncEnabled"`
	PlatformSyncIntervalMinutes int64    `json:"platformSyncIntervalMinutes"`
	PublishedVersion            int64    `json:"publishedVersion"`
	LatestVersion               int64    `json:"latestVersion"`
	HubTokenHashes              []string `json:"hubTokenHashes"`
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var request heartbeatRequest
	if err := netutil.DecodeBody(r.Body, &request); err != nil {
		s.reject(w, http.StatusBadRequest, "malformed request", "", "undecodable body")
		return
	}
	if request.Serial == "" || request.Nonce == "" || request.Signature == "" ||
		request.Timestamp == 0 || request.AgentSeenVersion < 0 {
		s.reject(w, http.StatusBadRequest, "malformed request", request.Serial, "missing fields")
		return
	}

	ctx := r.Context()
	now := s.clock.Now()

	hub, err := s.store.GetHub(ctx, request.Serial)
	switch {
	case errors.Is(err, ErrUnknownHub):
		s.reject(w, http.StatusNotFound, "unknown hub", request.Serial, "unknown hub")
		return
	case errors.Is(err, ErrNotPaired):
		// Same external shape as every other authentication failure.
		s.rejectUnauthorized(w, request.Serial, "not paired")
		return
	case err != nil:
		s.rejectUnavailable(w, request.Serial, err)
		return
	}

	syncSecret, err := s.vault.DecryptSecret(request.Serial, hub.SecretBlob)
	if err != nil {
		// A corrupt secret means this pairing is unrecoverable; the
		// hub must be re-paired. Logged loudly, rejected quietly.
		s.logger.Error("stored secret is corrupt, hub must re-pair",
			"serial", request.Serial, "error", err)
		s.heartbeatsRejected.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	defer syncSecret.Close()

	err = hmacauth.VerifyAt(hmacauth.Request{
		Serial:    request.Serial,
		Timestamp: request.Timestamp,
		Nonce:     request.Nonce,
		Signature: request.Signature,
	}, syncSecret.Bytes(), s.maxSkew, now)
	if err != nil {
		s.rejectUnauthorized(w, request.Serial, reasonFor(err))
		return
	}

	// Record the nonce only after the signature verifies, so an
	// attacker cannot burn nonces for a hub it cannot sign for.
	err = s.store.RecordNonce(ctx, request.Serial, request.Nonce, request.Timestamp, s.TrustWindow())
	switch {
	case errors.Is(err, ErrReplay):
		s.rejectUnauthorized(w, request.Serial, "replay detected")
		return
	case err != nil:
		s.rejectUnavailable(w, request.Serial, err)
		return
	}

	state, err := s.store.AdvanceLifecycle(ctx, request.Serial, request.AgentSeenVersion, s.mintCredential(request.Serial))
	if err != nil {
		s.rejectUnavailable(w, request.Serial, err)
		return
	}

	if request.LANBaseURL != "" {
		s.acceptLANBaseURL(ctx, request.Serial, request.LANBaseURL)
	}

	s.heartbeatsAccepted.Add(1)
	s.logger.Info("heartbeat accepted",
		"serial", request.Serial,
		"agent_seen_version", request.AgentSeenVersion,
		"published_version", state.PublishedVersion,
		"latest_version", state.LatestVersion)

	hashes := state.AcceptedHashes
	if hashes == nil {
		hashes = []string{}
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		OK:                          true,
		PlatformSyncEnabled:         state.PlatformSyncEnabled,
		PlatformSyncIntervalMinutes: int64(state.RotateEvery / time.Minute),
		PublishedVersion:            state.PublishedVersion,
		LatestVersion:               state.LatestVersion,
		HubTokenHashes:              hashes,
	})
}

// mintCredential returns the MintFunc for one hub: random plaintext,
// its digest for the accepted-hash set, and the sealed blob for later
// delivery to the platform side.
func (s *Service) mintCredential(serial string) MintFunc {
	return func(version int64) (string, []byte, error) {
		raw := make([]byte, tokenSize)
		if _, err := rand.Read(raw); err != nil {
			return "", nil, fmt.Errorf("generating credential: %w", err)
		}
		defer secret.Zero(raw)

		token := []byte(hex.EncodeToString(raw))
		defer secret.Zero(token)

		blob, err := s.vault.EncryptSecret(serial, token, s.clock.Now().Unix())
		if err != nil {
			return "", nil, fmt.Errorf("sealing credential: %w", err)
		}

		s.logger.Info("minted credential", "serial", serial, "version", version)
		return tokenhash.Sum(token).String(), blob, nil
	}
}

// acceptLANBaseURL validates, persists, and forwards a reported LAN
// base URL. Every failure here is logged and swallowed: the heartbeat
// has already succeeded and a bad or unforwardable URL must not undo
// that.
func (s *Service) acceptLANBaseURL(ctx context.Context, serial, rawURL string) {
	normalized, err := lanurl.Validate(rawURL, s.hubServicePort)
	if err != nil {
		s.logger.Warn("ignoring invalid LAN base URL", "serial", serial, "error", err)
		return
	}

	if err := s.store.UpdateLANBaseURL(ctx, serial, normalized); err != nil {
		s.logger.Warn("persisting LAN base URL failed", "serial", serial, "error", err)
		return
	}

	if err := s.publisher.Publish(ctx, serial, normalized); err != nil {
		s.logger.Warn("forwarding LAN base URL failed", "serial", serial, "error", err)
	}
}

type pairRequest struct {
	Serial              string `json:"serial"`
	SyncSecret          string `json:"syncSecret"` // hex
	PlatformSyncEnabled *bool  `json:"platformSyncEnabled,omitempty"`
	RotateEveryMinutes  int64  `json:"rotateEveryMinutes,omitempty"`
	GraceMinutes        int64  `json:"graceMinutes,omitempty"`
}

func (s *Service) handlePair(w http.ResponseWriter, r *http.Request) {
	if !s.authorizePairing(r) {
		s.logger.Warn("pairing request with bad operator token",
			"remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var request pairRequest
	if err := netutil.DecodeBody(r.Body, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if request.Serial == "" || request.SyncSecret == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}

	syncSecret, err := hex.DecodeString(request.SyncSecret)
	if err != nil || len(syncSecret) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sync secret must be non-empty hex"})
		return
	}
	defer secret.Zero(syncSecret)

	now := s.clock.Now()
	blob, err := s.vault.EncryptSecret(request.Serial, syncSecret, now.Unix())
	if err != nil {
		s.logger.Error("sealing sync secret failed", "serial", request.Serial, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	hub := HubRecord{
		Serial:              request.Serial,
		SecretBlob:          blob,
		PlatformSyncEnabled: true,
		RotateEvery:         s.defaultRotateEvery,
		Grace:               s.defaultGrace,
		PairedAt:            now,
	}
	if request.PlatformSyncEnabled != nil {
		hub.PlatformSyncEnabled = *request.PlatformSyncEnabled
	}
	if request.RotateEveryMinutes > 0 {
		hub.RotateEvery = time.Duration(request.RotateEveryMinutes) * time.Minute
	}
	if request.GraceMinutes > 0 {
		hub.Grace = time.Duration(request.GraceMinutes) * time.Minute
	}

	err = s.store.CreateHub(r.Context(), hub)
	switch {
	case errors.Is(err, ErrAlreadyPaired):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already paired"})
		return
	case err != nil:
		s.logger.Error("pairing failed", "serial", request.Serial, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}

	s.logger.Info("hub paired", "serial", request.Serial,
		"platform_sync_enabled", hub.PlatformSyncEnabled,
		"rotate_every", hub.RotateEvery, "grace", hub.Grace)
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"serial":   request.Serial,
		"pairedAt": now.Unix(),
	})
}

// authorizePairing checks the operator bearer token in constant time.
func (s *Service) authorizePairing(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	supplied, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), s.pairingToken.Bytes()) == 1
}

type statusResponse struct {
	OK                 bool   `json:"ok"`
	Version            string `json:"version"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	HubsPaired         int64  `json:"hubs_paired"`
	HeartbeatsAccepted int64  `json:"heartbeats_accepted"`
	HeartbeatsRejected int64  `json:"heartbeats_rejected"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	hubs, err := s.store.CountHubs(r.Context())
	if err != nil {
		s.logger.Error("status: counting hubs failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		OK:                 true,
		Version:            version.Info(),
		UptimeSeconds:      int64(s.clock.Now().Sub(s.startedAt).Seconds()),
		HubsPaired:         hubs,
		HeartbeatsAccepted: s.heartbeatsAccepted.Load(),
		HeartbeatsRejected: s.heartbeatsRejected.Load(),
	})
}

// reject writes a non-auth rejection with its own message.
func (s *Service) reject(w http.ResponseWriter, status int, message, serial, reason string) {
	s.heartbeatsRejected.Add(1)
	s.logger.Warn("heartbeat rejected", "serial", serial, "reason", reason)
	writeJSON(w, status, map[string]string{"error": message})
}

// rejectUnauthorized writes the uniform authentication failure. Stale
// timestamp, bad signature, replay, and unpaired hub all look the same
// from outside; only the log distinguishes them.
func (s *Service) rejectUnauthorized(w http.ResponseWriter, serial, reason string) {
	s.heartbeatsRejected.Add(1)
	s.logger.Warn("heartbeat rejected", "serial", serial, "reason", reason)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

// rejectUnavailable writes the retryable storage failure. The hub
// retries with a fresh nonce on its next scheduled heartbeat.
func (s *Service) rejectUnavailable(w http.ResponseWriter, serial string, err error) {
	s.heartbeatsRejected.Add(1)
	s.logger.Error("heartbeat failed on storage", "serial", serial, "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, hmacauth.ErrStaleTimestamp):
		return "stale timestamp"
	case errors.Is(err, hmacauth.ErrBadSignature):
		return "bad signature"
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
