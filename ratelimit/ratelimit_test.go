// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"
)

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
}

func TestIPRateLimiterAllowsBurst(t *testing.T) {
	l := NewIPRateLimiter(1, 3, time.Minute)
	defer l.Stop()

	addr := tcpAddr("10.0.0.1")
	for i := 0; i < 3; i++ {
		if !l.Allow(addr) {
			t.Fatalf("connection %d denied within burst", i+1)
		}
	}
	if l.Allow(addr) {
		t.Fatal("connection allowed past burst")
	}
}

func TestIPRateLimiterIsolatesAddresses(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	if !l.Allow(tcpAddr("10.0.0.1")) {
		t.Fatal("first address denied")
	}
	if l.Allow(tcpAddr("10.0.0.1")) {
		t.Fatal("first address allowed past burst")
	}
	if !l.Allow(tcpAddr("10.0.0.2")) {
		t.Fatal("second address denied despite fresh bucket")
	}
}

func TestIPRateLimiterNilAddr(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	if !l.Allow(nil) {
		t.Fatal("nil address must be allowed")
	}
}

func TestClientRateLimiterPublish(t *testing.T) {
	l := NewClientRateLimiter(1, 2, 1, 1)

	for i := 0; i < 2; i++ {
		if !l.AllowPublish("homer") {
			t.Fatalf("publish %d denied within burst", i+1)
		}
	}
	if l.AllowPublish("homer") {
		t.Fatal("publish allowed past burst")
	}
	// Another client has its own bucket.
	if !l.AllowPublish("moe") {
		t.Fatal("unrelated client denied")
	}
}

func TestClientRateLimiterSubscribeIndependent(t *testing.T) {
	l := NewClientRateLimiter(1, 1, 1, 1)

	if !l.AllowPublish("homer") {
		t.Fatal("publish denied")
	}
	// The subscribe bucket is separate from the publish bucket.
	if !l.AllowSubscribe("homer") {
		t.Fatal("subscribe denied despite separate bucket")
	}
	if l.AllowSubscribe("homer") {
		t.Fatal("subscribe allowed past burst")
	}
}

func TestClientRateLimiterRemoveResets(t *testing.T) {
	l := NewClientRateLimiter(1, 1, 1, 1)

	if !l.AllowPublish("homer") {
		t.Fatal("publish denied")
	}
	if l.AllowPublish("homer") {
		t.Fatal("publish allowed past burst")
	}

	l.RemoveClient("homer")

	if !l.AllowPublish("homer") {
		t.Fatal("publish denied after limiter removal")
	}
}

func TestManagerDisabledAllowsEverything(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	defer m.Stop()

	if !m.Allow(tcpAddr("10.0.0.1")) {
		t.Fatal("disabled manager denied a connection")
	}
	for i := 0; i < 1000; i++ {
		if !m.AllowPublish("homer") {
			t.Fatal("disabled manager denied a publish")
		}
	}
}

func TestManagerEnforcesLimits(t *testing.T) {
	m := NewManager(Config{
		Enabled:            true,
		ConnectionsPerIP:   1,
		PublishPerClient:   1,
		SubscribePerClient: 1,
	})
	defer m.Stop()

	addr := tcpAddr("10.0.0.1")
	if !m.Allow(addr) {
		t.Fatal("first connection denied")
	}
	if m.Allow(addr) {
		t.Fatal("second connection allowed past limit")
	}

	if !m.AllowPublish("homer") {
		t.Fatal("first publish denied")
	}
	if m.AllowPublish("homer") {
		t.Fatal("second publish allowed past limit")
	}

	if !m.AllowSubscribe("homer") {
		t.Fatal("first subscribe denied")
	}
	if m.AllowSubscribe("homer") {
		t.Fatal("second subscribe allowed past limit")
	}

	m.OnClientReaped("homer")
	if !m.AllowPublish("homer") {
		t.Fatal("publish denied after reap cleanup")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("rate limiting must default to disabled")
	}
	if cfg.ConnectionsPerIP <= 0 || cfg.PublishPerClient <= 0 || cfg.SubscribePerClient <= 0 {
		t.Error("default limits must be positive")
	}
}
