package broker

import (
	"context"

	"github.com/absmach/pubsubx/session"
)

// Service is the broker surface the connection handler drives. One
// session corresponds to one client connection; every method is safe
// for concurrent use.
type Service interface {
	// NewSession creates an unregistered session awaiting its handshake.
	NewSession() *session.Session

	// Connect binds name to s and attaches conn. Returns whether a
	// session in the retention grace period was restored.
	Connect(ctx context.Context, s *session.Session, name string, conn session.Conn) (bool, error)

	// Disconnect reaps s immediately, skipping the grace period.
	Disconnect(s *session.Session) error

	// HandleLost moves s into the grace period after abrupt socket loss.
	HandleLost(s *session.Session)

	// Publish routes payload to topic's subscribers on behalf of s.
	// Returns how many sessions received or held the message.
	Publish(ctx context.Context, s *session.Session, topic, payload string) (int, error)

	// Subscribe adds s to topic's subscriber set. Reports whether the
	// subscription is new.
	Subscribe(s *session.Session, topic string) (bool, error)

	// Unsubscribe removes s from topic's subscriber set. Reports
	// whether a subscription was removed.
	Unsubscribe(s *session.Session, topic string) (bool, error)

	// Stats returns the broker statistics.
	Stats() *Stats
}

var _ Service = (*Broker)(nil)

// ClientRateLimiter throttles per-client commands. Implementations
// decide the refill policy; the broker only consults the verdict.
type ClientRateLimiter interface {
	AllowPublish(name string) bool
	AllowSubscribe(name string) bool
}
