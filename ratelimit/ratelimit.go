// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket limits for the broker: per-IP
// connection acceptance and per-client publish/subscribe commands.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per source IP.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a connection from the given address is allowed.
// Returns true if the connection is allowed, false if rate limited.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true // Allow if we can't extract IP
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[ip] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// cleanupLoop periodically removes stale entries.
func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	close(l.stopCh)
}

// ClientRateLimiter limits command rates per connected client, keyed by
// display name.
type ClientRateLimiter struct {
	mu              sync.RWMutex
	publishLimiters map[string]*rate.Limiter
	subLimiters     map[string]*rate.Limiter
	publishRate     rate.Limit
	publishBurst    int
	subRate         rate.Limit
	subBurst        int
}

// NewClientRateLimiter creates a new client-based rate limiter.
func NewClientRateLimiter(publishRate float64, publishBurst int, subRate float64, subBurst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		publishLimiters: make(map[string]*rate.Limiter),
		subLimiters:     make(map[string]*rate.Limiter),
		publishRate:     rate.Limit(publishRate),
		publishBurst:    publishBurst,
		subRate:         rate.Limit(subRate),
		subBurst:        subBurst,
	}
}

// AllowPublish checks if a PUBLISH from the given client is allowed.
// Returns true if allowed, false if rate limited.
func (l *ClientRateLimiter) AllowPublish(name string) bool {
	l.mu.Lock()
	limiter, exists := l.publishLimiters[name]
	if !exists {
		limiter = rate.NewLimiter(l.publishRate, l.publishBurst)
		l.publishLimiters[name] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// AllowSubscribe checks if a SUBSCRIBE or UNSUBSCRIBE from the given
// client is allowed.
// Returns true if allowed, false if rate limited.
func (l *ClientRateLimiter) AllowSubscribe(name string) bool {
	l.mu.Lock()
	limiter, exists := l.subLimiters[name]
	if !exists {
		limiter = rate.NewLimiter(l.subRate, l.subBurst)
		l.subLimiters[name] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveClient removes rate limiters for a reaped client.
func (l *ClientRateLimiter) RemoveClient(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.publishLimiters, name)
	delete(l.subLimiters, name)
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		// Try to parse as host:port format
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration. Each rate is per second and
// doubles as the burst size.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// ConnectionsPerIP limits accepted connections per source IP.
	ConnectionsPerIP int `yaml:"connections_per_ip"`

	// PublishPerClient limits PUBLISH commands per connected client.
	PublishPerClient int `yaml:"publish_per_client"`

	// SubscribePerClient limits SUBSCRIBE and UNSUBSCRIBE commands per
	// connected client.
	SubscribePerClient int `yaml:"subscribe_per_client"`

	// CleanupInterval is how often stale per-IP entries are dropped.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:            false,
		ConnectionsPerIP:   10,
		PublishPerClient:   100,
		SubscribePerClient: 50,
		CleanupInterval:    5 * time.Minute,
	}
}

// Manager coordinates the IP and client limiters behind one surface.
// A disabled manager allows everything.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	client   *ClientRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	var ip *IPRateLimiter
	if cfg.ConnectionsPerIP > 0 {
		ip = NewIPRateLimiter(float64(cfg.ConnectionsPerIP), cfg.ConnectionsPerIP, cfg.CleanupInterval)
	}

	var client *ClientRateLimiter
	if cfg.PublishPerClient > 0 || cfg.SubscribePerClient > 0 {
		client = NewClientRateLimiter(
			float64(cfg.PublishPerClient),
			cfg.PublishPerClient,
			float64(cfg.SubscribePerClient),
			cfg.SubscribePerClient,
		)
	}

	return &Manager{
		config: cfg,
		ip:     ip,
		client: client,
	}
}

// Allow checks if a new connection from the given address is allowed.
// Implements the IPRateLimiter interface used by the TCP and WebSocket
// servers.
func (m *Manager) Allow(addr net.Addr) bool {
	if m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish checks if a PUBLISH from the given client is allowed.
func (m *Manager) AllowPublish(name string) bool {
	if m.disabled || m.client == nil || m.config.PublishPerClient <= 0 {
		return true
	}
	return m.client.AllowPublish(name)
}

// AllowSubscribe checks if a subscription change from the given client
// is allowed.
func (m *Manager) AllowSubscribe(name string) bool {
	if m.disabled || m.client == nil || m.config.SubscribePerClient <= 0 {
		return true
	}
	return m.client.AllowSubscribe(name)
}

// OnClientReaped cleans up rate limiters for a reaped client.
func (m *Manager) OnClientReaped(name string) {
	if m.disabled || m.client == nil {
		return
	}
	m.client.RemoveClient(name)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
