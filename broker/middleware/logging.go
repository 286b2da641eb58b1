package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/pubsubx/broker"
	"github.com/absmach/pubsubx/session"
)

var _ broker.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   broker.Service
}

// NewLogging creates logging middleware that wraps a broker service.
func NewLogging(svc broker.Service, logger *slog.Logger) broker.Service {
	return &loggingMiddleware{logger, svc}
}

// NewSession passes through; session creation is not an operation worth
// a log line.
func (lm *loggingMiddleware) NewSession() *session.Session {
	return lm.next.NewSession()
}

// Connect logs handshake details.
func (lm *loggingMiddleware) Connect(ctx context.Context, s *session.Session, name string, conn session.Conn) (restored bool, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Connect",
			slog.String("client", name),
			slog.Bool("restored", restored),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Connect(ctx, s, name, conn)
}

// Disconnect logs explicit disconnect details.
func (lm *loggingMiddleware) Disconnect(s *session.Session) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Disconnect",
			slog.String("client", s.Name()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Disconnect(s)
}

// HandleLost logs abrupt connection loss.
func (lm *loggingMiddleware) HandleLost(s *session.Session) {
	defer func(begin time.Time) {
		lm.logger.Info("HandleLost",
			slog.String("client", s.Name()),
			slog.String("duration", time.Since(begin).String()),
		)
	}(time.Now())

	lm.next.HandleLost(s)
}

// Publish logs routing details.
func (lm *loggingMiddleware) Publish(ctx context.Context, s *session.Session, topic, payload string) (n int, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Publish",
			slog.String("client", s.Name()),
			slog.String("topic", topic),
			slog.Int("reached", n),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Publish(ctx, s, topic, payload)
}

// Subscribe logs subscription details.
func (lm *loggingMiddleware) Subscribe(s *session.Session, topic string) (added bool, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Subscribe",
			slog.String("client", s.Name()),
			slog.String("topic", topic),
			slog.Bool("added", added),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Subscribe(s, topic)
}

// Unsubscribe logs unsubscription details.
func (lm *loggingMiddleware) Unsubscribe(s *session.Session, topic string) (removed bool, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Unsubscribe",
			slog.String("client", s.Name()),
			slog.String("topic", topic),
			slog.Bool("removed", removed),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.next.Unsubscribe(s, topic)
}

// Stats returns the broker statistics.
func (lm *loggingMiddleware) Stats() *broker.Stats {
	return lm.next.Stats()
}
