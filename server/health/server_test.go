// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/pubsubx/broker"
	"github.com/absmach/pubsubx/config"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(logger, nil, nil, nil, nil, config.BrokerConfig{
		RetentionWindow:    time.Minute,
		SweepInterval:      time.Second,
		SendQueueSize:      8,
		PendingMaxMessages: 8,
		PendingMaxBytes:    1024,
		MaxRequestSize:     1024,
	})
	t.Cleanup(func() { b.Close() })
	return b
}

func TestHealthEndpoint(t *testing.T) {
	b := newTestBroker(t)
	s := New(Config{Address: ":0"}, b, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
}

func TestHealthRejectsNonGet(t *testing.T) {
	b := newTestBroker(t)
	s := New(Config{Address: ":0"}, b, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	b := newTestBroker(t)
	s := New(Config{Address: ":0"}, b, nil)

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
}

func TestReadyWithoutBroker(t *testing.T) {
	s := New(Config{Address: ":0"}, nil, nil)

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	b := newTestBroker(t)
	s := New(Config{Address: ":0"}, b, nil)

	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Connected != 0 || resp.Topics != 0 {
		t.Errorf("fresh broker reports connected=%d topics=%d, want zeros",
			resp.Connected, resp.Topics)
	}
}
