package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/pubsubx/session"
)

// Shutdown drains the broker: new handshakes are refused while
// connected clients get until drainTimeout to disconnect on their own.
// Whatever remains is then severed by Close. Cancelling ctx skips the
// wait.
func (b *Broker) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	b.shuttingDown.Store(true)
	b.logger.Info("Broker shutting down, draining sessions",
		slog.Duration("drain_timeout", drainTimeout))

	drainDeadline := time.Now().Add(drainTimeout)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		connected := b.registry.ConnectedCount()
		if connected == 0 {
			break
		}
		if time.Now().After(drainDeadline) {
			b.logger.Warn("Drain timeout reached, closing remaining sessions",
				slog.Int("remaining", connected))
			break
		}

		b.logger.Info("Waiting for sessions to drain",
			slog.Int("connected", connected))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			b.logger.Warn("Shutdown context cancelled, closing remaining sessions",
				slog.Int("remaining", b.registry.ConnectedCount()))
			return b.Close()
		}
	}

	return b.Close()
}

// Close stops the background loops and severs every session. Held
// messages are discarded. Safe to call more than once.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.shuttingDown.Store(true)

	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	var all []*session.Session
	b.registry.ForEach(func(s *session.Session) {
		all = append(all, s)
	})
	for _, s := range all {
		b.destroySessionLocked(s)
	}
	b.mu.Unlock()

	if b.webhooks != nil {
		if err := b.webhooks.Close(); err != nil {
			b.logError("webhook_close", err)
		}
	}

	b.logger.Info("Broker closed")
	return nil
}
