// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hearthware/fleetsync/lib/clock"
	"github.com/hearthware/fleetsync/lib/hmacauth"
	"github.com/hearthware/fleetsync/lib/secret"
	"github.com/hearthware/fleetsync/lib/vault"
)

const (
	testPairingToken = "operator-token-for-tests"
	testSerial       = "HUB-TEST-001"
)

var testSyncSecret = bytes.Repeat([]byte{0x42}, 32)

// recordingPublisher captures forwarded LAN base URLs.
type recordingPublisher struct {
	mu      sync.Mutex
	updates []string
}

func (p *recordingPublisher) Publish(_ context.Context, serial, lanBaseURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, serial+" "+lanBaseURL)
	return nil
}

func (p *recordingPublisher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.updates...)
}

type testService struct {
	service   *Service
	server    *httptest.Server
	clock     *clock.FakeClock
	publisher *recordingPublisher
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	clk := clock.Fake(time.Unix(1_700_000_000, 0).UTC())
	store := newTestStore(t, clk)

	masterKey, err := secret.NewFromBytes(bytes.Repeat([]byte{0x11}, vault.KeySize))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { masterKey.Close() })

	secretVault, err := vault.New(masterKey)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	pairingToken, err := secret.NewFromBytes([]byte(testPairingToken))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { pairingToken.Close() })

	publisher := &recordingPublisher{}
	service := NewService(ServiceConfig{
		Store:              store,
		Vault:              secretVault,
		PairingToken:       pairingToken,
		Publisher:          publisher,
		Clock:              clk,
		Logger:             slog.New(slog.DiscardHandler),
		MaxSkew:            5 * time.Minute,
		HubServicePort:     8123,
		DefaultRotateEvery: 24 * time.Hour,
		DefaultGrace:       30 * time.Minute,
	})

	server := httptest.NewServer(service.Handler())
	t.Cleanup(server.Close)

	return &testService{
		service:   service,
		server:    server,
		clock:     clk,
		publisher: publisher,
	}
}

func (ts *testService) post(t *testing.T, path string, body any, header http.Header) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, ts.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		request.Header[key] = values
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return response
}

func decodeResponse[T any](t *testing.T, response *http.Response) T {
	t.Helper()
	defer response.Body.Close()
	var v T
	if err := json.NewDecoder(response.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func operatorHeader() http.Header {
	return http.Header{"Authorization": {"Bearer " + testPairingToken}}
}

func (ts *testService) pairHub(t *testing.T, serial string) {
	t.Helper()
	response := ts.post(t, "/v1/pair", pairRequest{
		Serial:     serial,
		SyncSecret: hex.EncodeToString(testSyncSecret),
	}, operatorHeader())
	response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("pair returned %d, want 201", response.StatusCode)
	}
}

// heartbeat sends a correctly signed heartbeat with a unique nonce.
func (ts *testService) heartbeat(t *testing.T, nonce string, agentSeen int64, lanBaseURL string) *http.Response {
	t.Helper()
	now := ts.clock.Now().Unix()
	return ts.post(t, "/v1/heartbeat", heartbeatRequest{
		Serial:           testSerial,
		Timestamp:        now,
		Nonce:            nonce,
		Signature:        hmacauth.SignHex(testSerial, now, nonce, testSyncSecret),
		AgentSeenVersion: agentSeen,
		LANBaseURL:       lanBaseURL,
	}, nil)
}

func TestPairRequiresOperatorToken(t *testing.T) {
	ts := newTestService(t)

	body := pairRequest{Serial: testSerial, SyncSecret: hex.EncodeToString(testSyncSecret)}

	response := ts.post(t, "/v1/pair", body, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("pair without token = %d, want 401", response.StatusCode)
	}

	response = ts.post(t, "/v1/pair", body, http.Header{"Authorization": {"Bearer wrong"}})
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("pair with wrong token = %d, want 401", response.StatusCode)
	}
}

func TestPairConflictOnSecondAttempt(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	response := ts.post(t, "/v1/pair", pairRequest{
		Serial:     testSerial,
		SyncSecret: hex.EncodeToString(testSyncSecret),
	}, operatorHeader())
	response.Body.Close()
	if response.StatusCode != http.StatusConflict {
		t.Errorf("second pair = %d, want 409", response.StatusCode)
	}
}

func TestHeartbeatUnknownHub(t *testing.T) {
	ts := newTestService(t)

	response := ts.heartbeat(t, "n1", 0, "")
	body := decodeResponse[map[string]string](t, response)
	if response.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", response.StatusCode)
	}
	if body["error"] != "unknown hub" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestHeartbeatMalformed(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	response := ts.post(t, "/v1/heartbeat", map[string]string{"serial": testSerial}, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestHeartbeatSeedsAndPromotes(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	// First heartbeat: version 1 is minted but not yet published.
	response := ts.heartbeat(t, "n1", 0, "")
	first := decodeResponse[heartbeatResponse](t, response)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}
	if !first.OK || !first.PlatformSyncEnabled {
		t.Errorf("ok = %v, platformSyncEnabled = %v", first.OK, first.PlatformSyncEnabled)
	}
	if first.LatestVersion != 1 || first.PublishedVersion != 0 {
		t.Errorf("latest = %d published = %d, want 1 and 0", first.LatestVersion, first.PublishedVersion)
	}
	if len(first.HubTokenHashes) != 0 {
		t.Errorf("hashes = %v before promotion, want none", first.HubTokenHashes)
	}
	if first.PlatformSyncIntervalMinutes != 24*60 {
		t.Errorf("interval = %d, want 1440", first.PlatformSyncIntervalMinutes)
	}

	// Acking version 1 promotes it.
	response = ts.heartbeat(t, "n2", 1, "")
	second := decodeResponse[heartbeatResponse](t, response)
	if second.PublishedVersion != 1 {
		t.Errorf("published = %d after ack, want 1", second.PublishedVersion)
	}
	if len(second.HubTokenHashes) != 1 {
		t.Errorf("hashes = %v, want exactly one", second.HubTokenHashes)
	}
}

func TestHeartbeatReplayRejected(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	response := ts.heartbeat(t, "n1", 0, "")
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("first heartbeat = %d", response.StatusCode)
	}

	// Identical request, valid signature, same nonce.
	response = ts.heartbeat(t, "n1", 0, "")
	body := decodeResponse[map[string]string](t, response)
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want 401", response.StatusCode)
	}
	if body["error"] != "unauthorized" {
		t.Errorf("replay error = %q, want the uniform rejection", body["error"])
	}
}

func TestHeartbeatStaleTimestamp(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	stale := ts.clock.Now().Add(-10 * time.Minute).Unix() // skew is 5m
	response := ts.post(t, "/v1/heartbeat", heartbeatRequest{
		Serial:    testSerial,
		Timestamp: stale,
		Nonce:     "n1",
		Signature: hmacauth.SignHex(testSerial, stale, "n1", testSyncSecret),
	}, nil)
	body := decodeResponse[map[string]string](t, response)
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", response.StatusCode)
	}
	if body["error"] != "unauthorized" {
		t.Errorf("error = %q, want the uniform rejection", body["error"])
	}
}

func TestHeartbeatBadSignature(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	now := ts.clock.Now().Unix()
	response := ts.post(t, "/v1/heartbeat", heartbeatRequest{
		Serial:    testSerial,
		Timestamp: now,
		Nonce:     "n1",
		Signature: hmacauth.SignHex(testSerial, now, "n1", []byte("wrong secret")),
	}, nil)
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", response.StatusCode)
	}

	// A rejected signature must not consume the nonce.
	response = ts.heartbeat(t, "n1", 0, "")
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("valid retry with same nonce = %d, want 200", response.StatusCode)
	}
}

func TestHeartbeatForwardsValidLANBaseURL(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	response := ts.heartbeat(t, "n1", 0, "http://192.168.1.50:8123/")
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}

	updates := ts.publisher.all()
	if len(updates) != 1 || updates[0] != testSerial+" http://192.168.1.50:8123" {
		t.Errorf("published updates = %v", updates)
	}
}

func TestHeartbeatIgnoresInvalidLANBaseURL(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	cases := []string{
		"https://192.168.1.50:8123", // wrong scheme
		"http://8.8.8.8:8123",       // public address
		"http://192.168.1.50:9999",  // wrong port
		"http://192.168.1.50:8123/admin",
	}
	for i, rawURL := range cases {
		nonce := "lan-" + string(rune('a'+i))
		response := ts.heartbeat(t, nonce, 0, rawURL)
		response.Body.Close()
		if response.StatusCode != http.StatusOK {
			t.Errorf("%s: heartbeat failed with %d, want success with URL ignored", rawURL, response.StatusCode)
		}
	}
	if updates := ts.publisher.all(); len(updates) != 0 {
		t.Errorf("published updates = %v, want none", updates)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestService(t)
	ts.pairHub(t, testSerial)

	response := ts.heartbeat(t, "n1", 0, "")
	response.Body.Close()
	response = ts.heartbeat(t, "n1", 0, "") // replay, rejected
	response.Body.Close()

	getResponse, err := http.Get(ts.server.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	status := decodeResponse[statusResponse](t, getResponse)
	if !status.OK {
		t.Error("ok = false")
	}
	if status.HubsPaired != 1 {
		t.Errorf("hubs_paired = %d, want 1", status.HubsPaired)
	}
	if status.HeartbeatsAccepted != 1 {
		t.Errorf("heartbeats_accepted = %d, want 1", status.HeartbeatsAccepted)
	}
	if status.HeartbeatsRejected != 1 {
		t.Errorf("heartbeats_rejected = %d, want 1", status.HeartbeatsRejected)
	}
}
