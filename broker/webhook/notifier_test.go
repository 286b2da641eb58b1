// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/pubsubx/broker/events"
	"github.com/absmach/pubsubx/config"
)

// mockSender implements Sender interface for testing
type mockSender struct {
	mu          sync.Mutex
	sendCount   int32
	sendFunc    func(ctx context.Context, url string, payload []byte, timeout time.Duration) error
	lastURL     string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
			return nil // Success by default
		},
	}
}

func (m *mockSender) Send(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastURL = url
	m.lastPayload = payload
	m.mu.Unlock()
	return m.sendFunc(ctx, url, payload, timeout)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func (m *mockSender) getLastPayload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.lastPayload...)
}

func testWebhookConfig(endpoints ...string) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		Endpoints:       endpoints,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		Timeout:         5 * time.Second,
		MaxRetries:      0,
		RetryInterval:   50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewNotifier(t *testing.T) {
	sender := newMockSender()
	notifier, err := NewNotifier(testWebhookConfig("http://example.com/webhook"), "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	if len(notifier.breakers) != 1 {
		t.Errorf("expected 1 circuit breaker, got %d", len(notifier.breakers))
	}
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testWebhookConfig("http://example.com/webhook"), "broker-1", nil, nil)
	if err == nil {
		t.Error("expected error for nil sender, got nil")
	}
}

func TestNotifier_Notify_Success(t *testing.T) {
	sender := newMockSender()
	notifier, err := NewNotifier(testWebhookConfig("http://example.com/webhook"), "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	event := events.ClientConnected{
		ClientName: "alice",
		SessionID:  "session-1",
		RemoteAddr: "192.168.1.100:1234",
	}

	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Wait for processing
	time.Sleep(100 * time.Millisecond)

	if sender.getSendCount() != 1 {
		t.Errorf("expected 1 send, got %d", sender.getSendCount())
	}

	var envelope map[string]any
	if err := json.Unmarshal(sender.getLastPayload(), &envelope); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if envelope["event_type"] != events.TypeClientConnected {
		t.Errorf("event_type = %v, want %v", envelope["event_type"], events.TypeClientConnected)
	}
	if envelope["broker_id"] != "broker-1" {
		t.Errorf("broker_id = %v, want broker-1", envelope["broker_id"])
	}
}

func TestNotifier_Notify_FanOut(t *testing.T) {
	sender := newMockSender()
	cfg := testWebhookConfig("http://one.example.com/hook", "http://two.example.com/hook")
	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	event := events.MessagePublished{
		Publisher:    "bob",
		MessageTopic: "news",
		PayloadSize:  11,
		Recipients:   2,
	}
	notifier.Notify(context.Background(), event)

	// Wait for processing
	time.Sleep(100 * time.Millisecond)

	if sender.getSendCount() != 2 {
		t.Errorf("expected 2 sends (one per endpoint), got %d", sender.getSendCount())
	}
}

func TestNotifier_Notify_RejectsNonEvent(t *testing.T) {
	sender := newMockSender()
	notifier, err := NewNotifier(testWebhookConfig("http://example.com/webhook"), "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	if err := notifier.Notify(context.Background(), "not an event"); err == nil {
		t.Error("expected error for non-event payload, got nil")
	}
}

func TestNotifier_Retry(t *testing.T) {
	attemptCount := int32(0)
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
		count := atomic.AddInt32(&attemptCount, 1)
		if count < 3 {
			return errors.New("temporary failure")
		}
		return nil // Success on 3rd attempt
	}

	cfg := testWebhookConfig("http://example.com/webhook")
	cfg.Workers = 1
	cfg.MaxRetries = 2
	cfg.RetryInterval = 50 * time.Millisecond

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	event := events.ClientConnected{ClientName: "alice"}
	notifier.Notify(context.Background(), event)

	// Wait for retries
	time.Sleep(500 * time.Millisecond)

	if atomic.LoadInt32(&attemptCount) != 3 {
		t.Errorf("expected 3 attempts (2 retries), got %d", attemptCount)
	}
}

func TestNotifier_QueueOverflow_DropOldest(t *testing.T) {
	sender := newMockSender()
	// Make sender slow
	sender.sendFunc = func(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	cfg := testWebhookConfig("http://example.com/webhook")
	cfg.QueueSize = 5 // Small queue
	cfg.Workers = 1

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	// Send more events than queue can hold
	for i := 0; i < 10; i++ {
		event := events.ClientConnected{ClientName: "alice"}
		notifier.Notify(context.Background(), event)
	}

	// Wait for processing
	time.Sleep(1500 * time.Millisecond)

	// With drop oldest policy and slow processing, some events should be
	// dropped but we should still have processed some
	count := sender.getSendCount()
	if count == 0 {
		t.Error("expected some events to be processed")
	}
	t.Logf("processed %d events with queue size 5", count)
}

func TestNotifier_RetryDelay(t *testing.T) {
	cfg := testWebhookConfig("http://example.com/webhook")
	cfg.RetryInterval = 1 * time.Second
	notifier, err := NewNotifier(cfg, "broker-1", newMockSender(), testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, maxRetryDelay},
	}
	for _, tt := range tests {
		if got := notifier.retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNotifier_GracefulShutdown(t *testing.T) {
	processedCount := int32(0)
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
		atomic.AddInt32(&processedCount, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	cfg := testWebhookConfig("http://example.com/webhook")
	cfg.Workers = 3
	cfg.ShutdownTimeout = 1 * time.Second

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	// Send some events
	for i := 0; i < 5; i++ {
		event := events.ClientConnected{ClientName: "alice"}
		notifier.Notify(context.Background(), event)
	}

	// Give workers a moment to start processing
	time.Sleep(50 * time.Millisecond)

	// Close should wait for in-progress events to complete
	notifier.Close()

	processed := atomic.LoadInt32(&processedCount)
	if processed == 0 {
		t.Error("expected at least some events to be processed during graceful shutdown, got 0")
	}
	t.Logf("processed %d events during graceful shutdown", processed)
}
