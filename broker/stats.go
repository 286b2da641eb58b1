// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks detailed broker statistics.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64

	// Lifecycle stats
	restores    atomic.Uint64
	expirations atomic.Uint64

	// Message stats
	publishReceived   atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesHeld      atomic.Uint64
	messagesReplayed  atomic.Uint64
	pendingDropped    atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Uint64
	unsubscriptions atomic.Uint64

	// Error stats
	protocolErrors atomic.Uint64
	nameConflicts  atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() uint64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

// Lifecycle tracking.
func (s *Stats) IncrementRestores() {
	s.restores.Add(1)
}

func (s *Stats) IncrementExpirations() {
	s.expirations.Add(1)
}

func (s *Stats) GetRestores() uint64 {
	return s.restores.Load()
}

func (s *Stats) GetExpirations() uint64 {
	return s.expirations.Load()
}

// Message tracking.
func (s *Stats) IncrementPublishReceived() {
	s.publishReceived.Add(1)
}

func (s *Stats) IncrementDelivered() {
	s.messagesDelivered.Add(1)
}

func (s *Stats) IncrementHeld() {
	s.messagesHeld.Add(1)
}

func (s *Stats) AddReplayed(n uint64) {
	s.messagesReplayed.Add(n)
}

func (s *Stats) AddPendingDropped(n uint64) {
	s.pendingDropped.Add(n)
}

func (s *Stats) GetPublishReceived() uint64 {
	return s.publishReceived.Load()
}

func (s *Stats) GetDelivered() uint64 {
	return s.messagesDelivered.Load()
}

func (s *Stats) GetHeld() uint64 {
	return s.messagesHeld.Load()
}

func (s *Stats) GetReplayed() uint64 {
	return s.messagesReplayed.Load()
}

func (s *Stats) GetPendingDropped() uint64 {
	return s.pendingDropped.Load()
}

// Byte tracking. Counts payload bytes, not wire bytes.
func (s *Stats) AddBytesReceived(n uint64) {
	s.bytesReceived.Add(n)
}

func (s *Stats) AddBytesSent(n uint64) {
	s.bytesSent.Add(n)
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions() {
	s.subscriptions.Add(^uint64(0))
	s.unsubscriptions.Add(1)
}

// RemoveSubscriptions drops n entries from the gauge when a session is
// destroyed with subscriptions still attached. Unlike
// DecrementSubscriptions it does not count client unsubscribes.
func (s *Stats) RemoveSubscriptions(n int) {
	if n > 0 {
		s.subscriptions.Add(^uint64(n - 1))
	}
}

func (s *Stats) GetSubscriptions() uint64 {
	return s.subscriptions.Load()
}

func (s *Stats) GetUnsubscriptions() uint64 {
	return s.unsubscriptions.Load()
}

// Error tracking.
func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) IncrementNameConflicts() {
	s.nameConflicts.Add(1)
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

func (s *Stats) GetNameConflicts() uint64 {
	return s.nameConflicts.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
