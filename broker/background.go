package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/pubsubx/broker/events"
	"github.com/absmach/pubsubx/session"
)

// sysName is the publisher name stamped on broker-generated messages.
// Client names cannot collide with it: the '$' prefix is rejected at
// validation and again by Connect, and client publishes onto
// '$'-prefixed topics are refused.
const sysName = "$SYS"

// sweepLoop periodically expires sessions whose grace period ran out.
func (b *Broker) sweepLoop() {
	defer b.wg.Done()

	interval := b.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepExpired(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

// sweepExpired reaps every session disconnected for longer than the
// retention window and prunes aged messages from the survivors. The
// whole sweep runs under the broker lock, so a reconnecting client
// either restores the full session or finds the name free.
func (b *Broker) sweepExpired(now time.Time) {
	cutoff := now.Add(-b.cfg.RetentionWindow)

	type reaped struct {
		name    string
		dropped int
	}
	var reapedList []reaped

	b.mu.Lock()
	var expired []*session.Session
	b.registry.ForEach(func(s *session.Session) {
		if s.State() != session.StateDisconnectedPending {
			return
		}
		if !s.DisconnectedAt().After(cutoff) {
			expired = append(expired, s)
			return
		}
		if n := s.PrunePending(cutoff); n > 0 {
			b.stats.AddPendingDropped(uint64(n))
			if b.metrics != nil {
				b.metrics.RecordPendingDropped(int64(n), "expired")
			}
		}
	})
	for _, s := range expired {
		name, dropped := b.destroySessionLocked(s)
		reapedList = append(reapedList, reaped{name: name, dropped: dropped})
	}
	b.mu.Unlock()

	for _, r := range reapedList {
		b.releaseLimiter(r.name)
		b.stats.IncrementExpirations()
		if r.dropped > 0 {
			b.stats.AddPendingDropped(uint64(r.dropped))
		}
		if b.metrics != nil {
			b.metrics.RecordSessionExpired(int64(r.dropped))
		}
		if b.webhooks != nil {
			b.webhooks.Notify(context.Background(), events.ClientExpired{
				ClientName:     r.name,
				PendingDropped: r.dropped,
			})
		}
		b.logOp("session expired",
			slog.String("client", r.name),
			slog.Int("pending_dropped", r.dropped))
	}
}

// statsLoop publishes broker statistics on $SYS topics every 10
// seconds. Clients subscribe to them like any other topic.
func (b *Broker) statsLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.publishStats()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) publishStats() {
	s := b.stats

	stats := []struct {
		topic string
		value string
	}{
		{"$SYS/broker/version", "pubsubx-0.1.0"},
		{"$SYS/broker/uptime", s.GetUptime().Round(time.Second).String()},
		{"$SYS/broker/clients/connected", fmt.Sprintf("%d", s.GetCurrentConnections())},
		{"$SYS/broker/clients/total", fmt.Sprintf("%d", s.GetTotalConnections())},
		{"$SYS/broker/clients/disconnected", fmt.Sprintf("%d", s.GetDisconnections())},
		{"$SYS/broker/clients/restored", fmt.Sprintf("%d", s.GetRestores())},
		{"$SYS/broker/clients/expired", fmt.Sprintf("%d", s.GetExpirations())},
		{"$SYS/broker/messages/received", fmt.Sprintf("%d", s.GetPublishReceived())},
		{"$SYS/broker/messages/delivered", fmt.Sprintf("%d", s.GetDelivered())},
		{"$SYS/broker/messages/held", fmt.Sprintf("%d", s.GetHeld())},
		{"$SYS/broker/messages/replayed", fmt.Sprintf("%d", s.GetReplayed())},
		{"$SYS/broker/messages/dropped", fmt.Sprintf("%d", s.GetPendingDropped())},
		{"$SYS/broker/bytes/received", fmt.Sprintf("%d", s.GetBytesReceived())},
		{"$SYS/broker/bytes/sent", fmt.Sprintf("%d", s.GetBytesSent())},
		{"$SYS/broker/subscriptions/count", fmt.Sprintf("%d", s.GetSubscriptions())},
		{"$SYS/broker/errors/protocol", fmt.Sprintf("%d", s.GetProtocolErrors())},
		{"$SYS/broker/errors/name_conflicts", fmt.Sprintf("%d", s.GetNameConflicts())},
	}

	b.mu.Lock()
	for _, stat := range stats {
		b.routeLocked(sysName, stat.topic, stat.value)
	}
	b.mu.Unlock()
}
