package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/absmach/pubsubx/broker/events"
	"github.com/absmach/pubsubx/broker/webhook"
	"github.com/absmach/pubsubx/config"
	"github.com/absmach/pubsubx/protocol"
	"github.com/absmach/pubsubx/server/otel"
	"github.com/absmach/pubsubx/session"
)

var (
	// ErrShuttingDown rejects new handshakes while the broker drains.
	ErrShuttingDown = errors.New("broker is shutting down")

	// ErrReservedName rejects a CONNECT under a '$'-prefixed name; that
	// prefix is reserved for broker-generated publishers.
	ErrReservedName = errors.New("name uses the reserved '$' prefix")

	// ErrReservedTopic rejects a client publish onto a '$'-prefixed
	// topic. Subscribing to them stays legal: they carry broker stats.
	ErrReservedTopic = errors.New("topic is reserved for broker publishes")

	// ErrRateLimited rejects a command that exceeded the client's rate
	// budget. The session state is unchanged.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Broker owns the session registry, the topic index and the retention
// sweep, and routes published messages between sessions. Cross-structure
// mutations (name takeover, reap, routing) happen under one mutex, so a
// reconnection merge is atomic with respect to concurrent publishes.
type Broker struct {
	mu       sync.Mutex
	registry session.Registry
	router   *Router

	cfg      config.BrokerConfig
	sessOpts session.Options

	rateLimiter ClientRateLimiter // nil if rate limiting disabled

	logger   *slog.Logger
	stats    *Stats
	webhooks webhook.Notifier // nil if webhooks disabled
	metrics  *otel.Metrics    // nil if metrics disabled
	tracer   trace.Tracer     // nil if tracing disabled

	stopCh       chan struct{}
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	closed       atomic.Bool
}

// New creates a broker and starts its sweep and stats loops.
// Parameters:
//   - logger: Logger instance (nil uses default)
//   - stats: Stats collector (nil creates new one)
//   - webhooks: Webhook notifier (nil if webhooks disabled)
//   - metrics: OTel metrics instance (nil if metrics disabled)
//   - tracer: OTel tracer (nil if tracing disabled)
func New(logger *slog.Logger, stats *Stats, webhooks webhook.Notifier, metrics *otel.Metrics, tracer trace.Tracer, cfg config.BrokerConfig) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}

	b := &Broker{
		registry: session.NewShardedRegistry(),
		router:   NewRouter(),
		cfg:      cfg,
		sessOpts: session.Options{
			PendingMaxMessages: cfg.PendingMaxMessages,
			PendingMaxBytes:    cfg.PendingMaxBytes,
		},
		logger:   logger,
		stats:    stats,
		webhooks: webhooks,
		metrics:  metrics,
		tracer:   tracer,
		stopCh:   make(chan struct{}),
	}

	b.wg.Add(2)
	go b.sweepLoop()
	go b.statsLoop()

	return b
}

// SetClientRateLimiter sets the per-client command rate limiter.
// It should be configured before the broker starts accepting connections.
func (b *Broker) SetClientRateLimiter(rl ClientRateLimiter) {
	b.rateLimiter = rl
}

// NewSession creates a fresh session awaiting its handshake. It is not
// registered until a CONNECT binds a name.
func (b *Broker) NewSession() *session.Session {
	return session.New(uuid.NewString(), b.sessOpts)
}

// Get returns the live session bound to name, nil when the name is free.
func (b *Broker) Get(name string) *session.Session {
	return b.registry.Get(name)
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// restoreQueuer is implemented by connections that can queue a frame
// sequence ahead of future deliveries without blocking. The restore
// path uses it so the replay is ordered before any publish that
// reaches the session once visible, and so a stalled peer never holds
// the broker lock hostage.
type restoreQueuer interface {
	QueueRestore(payloads ...[]byte) (int, error)
}

// Connect binds name to s and attaches conn, completing the handshake.
//
// A name held by a connected session fails with protocol.ErrNameInUse
// and leaves s in the handshake state, free to retry. A name held by a
// session in the retention grace period triggers a reconnection merge:
// s adopts the old session's subscriptions and still-valid held
// messages, the old entry is reaped, and the restore sequence (RESTORED,
// the topic list, then the replay in enqueue order) is queued before
// the session becomes visible, so every concurrent publish lands
// behind the replay. Returns whether the handshake was a restore.
func (b *Broker) Connect(ctx context.Context, s *session.Session, name string, conn session.Conn) (bool, error) {
	if b.shuttingDown.Load() {
		return false, ErrShuttingDown
	}
	if strings.HasPrefix(name, "$") {
		if b.metrics != nil {
			b.metrics.RecordError("reserved_name")
		}
		return false, ErrReservedName
	}

	b.mu.Lock()

	existing := b.registry.Get(name)
	if existing != nil && existing.State() == session.StateConnected {
		b.mu.Unlock()
		b.stats.IncrementNameConflicts()
		if b.metrics != nil {
			b.metrics.RecordError("name_conflict")
		}
		return false, protocol.ErrNameInUse
	}

	if existing == nil || existing.State() != session.StateDisconnectedPending {
		s.Connect(name, conn)
		b.registry.Set(name, s)
		b.mu.Unlock()

		// The acknowledgement is queued after the registry insert. No
		// delivery can precede it on the wire: a fresh session has no
		// subscriptions yet, so nothing routes to it.
		if err := s.Reply(protocol.EncodeOK("connected " + name)); err != nil {
			b.logError("connect_reply", err, slog.String("client", name))
		}

		b.stats.IncrementConnections()
		if b.metrics != nil {
			b.metrics.RecordConnection()
		}
		if b.webhooks != nil {
			b.webhooks.Notify(ctx, events.ClientConnected{
				ClientName: name,
				SessionID:  s.ID,
				RemoteAddr: remoteAddr(conn),
			})
		}
		b.logOp("client connected",
			slog.String("client", name),
			slog.String("session_id", s.ID))
		return false, nil
	}

	now := time.Now()
	s.Connect(name, conn)
	s.MergeFrom(existing)
	pending := existing.DrainPending(now, b.cfg.RetentionWindow)
	existing.Reap()

	frames := make([][]byte, 0, len(pending)+2)
	frames = append(frames, protocol.EncodeRestored(name))
	frames = append(frames, protocol.EncodeTopics(s.Subscriptions()))
	for _, msg := range pending {
		frames = append(frames, protocol.EncodeMessage(msg.Topic, msg.Publisher, msg.Payload))
	}

	written, err := writeRestore(s, conn, frames)
	if err != nil {
		// The peer vanished mid-restore or could not absorb the
		// sequence. The takeover stands: s keeps the name, parked
		// straight in the grace period with the unqueued remainder,
		// and the read loop will notice the dead socket.
		replayed := written - 2
		if replayed < 0 {
			replayed = 0
		}
		if s.MarkLost() {
			for _, msg := range pending[replayed:] {
				if herr := s.HoldPending(msg); herr != nil {
					b.stats.AddPendingDropped(1)
				}
			}
		}
		b.registry.Set(name, s)
		b.mu.Unlock()

		b.logError("restore_write", err,
			slog.String("client", name),
			slog.Int("replayed", replayed))
		return false, err
	}
	b.registry.Set(name, s)
	subs := s.SubscriptionCount()
	b.mu.Unlock()

	replayed := len(pending)
	var replayedBytes int
	for _, msg := range pending {
		replayedBytes += len(msg.Payload)
	}
	b.stats.IncrementConnections()
	b.stats.IncrementRestores()
	b.stats.AddReplayed(uint64(replayed))
	b.stats.AddBytesSent(uint64(replayedBytes))
	if b.metrics != nil {
		b.metrics.RecordConnection()
		b.metrics.RecordSessionRestored(int64(replayed), int64(replayedBytes))
	}
	if b.webhooks != nil {
		b.webhooks.Notify(ctx, events.ClientRestored{
			ClientName:    name,
			SessionID:     s.ID,
			Subscriptions: subs,
			Replayed:      replayed,
			RemoteAddr:    remoteAddr(conn),
		})
	}
	b.logOp("client restored",
		slog.String("client", name),
		slog.String("session_id", s.ID),
		slog.Int("subscriptions", subs),
		slog.Int("replayed", replayed))
	return true, nil
}

// writeRestore hands the restore sequence to the peer's queues; no
// socket I/O happens here. Connections without a restore queue receive
// the frames as ordered control sends.
func writeRestore(s *session.Session, conn session.Conn, frames [][]byte) (int, error) {
	if rq, ok := conn.(restoreQueuer); ok {
		return rq.QueueRestore(frames...)
	}
	for i, frame := range frames {
		if err := s.Reply(frame); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

// Disconnect handles an explicit DISCONNECT: the session is reaped at
// once, with no retention, and its name is freed. The connection is
// released rather than closed so the caller can still flush a final
// acknowledgement.
func (b *Broker) Disconnect(s *session.Session) error {
	b.mu.Lock()
	if s.State() != session.StateConnected {
		b.mu.Unlock()
		return nil
	}
	name := s.Name()
	subs := s.Subscriptions()
	b.router.RemoveAll(name, subs)
	b.registry.Delete(name)
	s.Detach()
	s.Reap()
	b.mu.Unlock()

	b.stats.DecrementConnections()
	b.stats.RemoveSubscriptions(len(subs))
	if b.metrics != nil {
		b.metrics.RecordDisconnection("normal")
	}
	if b.webhooks != nil {
		b.webhooks.Notify(context.Background(), events.ClientDisconnected{
			ClientName: name,
			SessionID:  s.ID,
		})
	}
	b.releaseLimiter(name)
	b.logOp("client disconnected",
		slog.String("client", name),
		slog.String("session_id", s.ID))
	return nil
}

// releaseLimiter drops per-client rate limiter state once a name is
// freed, for limiters that track it.
func (b *Broker) releaseLimiter(name string) {
	if rl, ok := b.rateLimiter.(interface{ OnClientReaped(string) }); ok {
		rl.OnClientReaped(name)
	}
}

// HandleLost transitions a session whose socket died without a
// DISCONNECT into the retention grace period. Subscriptions survive and
// deliveries are held until the window runs out or the client
// reconnects. Safe to call in any state; the transition fires at most
// once.
func (b *Broker) HandleLost(s *session.Session) {
	b.mu.Lock()
	lost := s.MarkLost()
	name := s.Name()
	subs := s.SubscriptionCount()
	b.mu.Unlock()

	if !lost {
		return
	}

	b.stats.DecrementConnections()
	if b.metrics != nil {
		b.metrics.RecordDisconnection("connection_lost")
		b.metrics.RecordSessionLost()
	}
	if b.webhooks != nil {
		b.webhooks.Notify(context.Background(), events.ClientLost{
			ClientName:    name,
			SessionID:     s.ID,
			Subscriptions: subs,
			Reason:        "connection_lost",
		})
	}
	b.logOp("client lost",
		slog.String("client", name),
		slog.String("session_id", s.ID),
		slog.Int("subscriptions", subs))
}

// Publish routes payload to every subscriber of topic on behalf of s.
// A topic with no subscribers is a no-op, not an error. A publisher
// subscribed to its own topic receives the message like any other
// subscriber. Publishing onto a '$'-prefixed topic is rejected: those
// carry broker-generated stats only. Returns how many sessions
// received or held the message.
func (b *Broker) Publish(ctx context.Context, s *session.Session, topic, payload string) (int, error) {
	publisher := s.Name()

	if strings.HasPrefix(topic, "$") {
		if b.metrics != nil {
			b.metrics.RecordError("reserved_topic")
		}
		return 0, ErrReservedTopic
	}

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "publish", trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("publisher", publisher),
		))
		defer span.End()
	}

	if b.rateLimiter != nil && !b.rateLimiter.AllowPublish(publisher) {
		if b.metrics != nil {
			b.metrics.RecordError("rate_limited")
		}
		return 0, ErrRateLimited
	}

	b.stats.IncrementPublishReceived()
	b.stats.AddBytesReceived(uint64(len(payload)))

	b.mu.Lock()
	delivered, held := b.routeLocked(publisher, topic, payload)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordPublish(int64(len(payload)), int64(delivered+held))
	}
	if b.webhooks != nil {
		b.webhooks.Notify(ctx, events.MessagePublished{
			Publisher:    publisher,
			MessageTopic: topic,
			PayloadSize:  len(payload),
			Recipients:   delivered,
			Held:         held,
		})
	}
	b.logOp("message published",
		slog.String("topic", topic),
		slog.String("publisher", publisher),
		slog.Int("delivered", delivered),
		slog.Int("held", held))

	return delivered + held, nil
}

// routeLocked fans a message out to the topic's subscribers. Connected
// subscribers get a queued delivery; sessions in the grace period get a
// retention entry. Callers hold b.mu.
func (b *Broker) routeLocked(publisher, topic, payload string) (delivered, held int) {
	subscribers := b.router.Subscribers(topic)
	if len(subscribers) == 0 {
		return 0, 0
	}

	frame := protocol.EncodeMessage(topic, publisher, payload)
	now := time.Now()

	for _, name := range subscribers {
		sub := b.registry.Get(name)
		if sub == nil {
			continue
		}

		msg := session.PendingMessage{
			Topic:      topic,
			Payload:    payload,
			Publisher:  publisher,
			EnqueuedAt: now,
		}

		switch sub.State() {
		case session.StateConnected:
			if err := sub.Deliver(frame); err != nil {
				reason := "connection_lost"
				if errors.Is(err, ErrSendQueueFull) {
					reason = "slow_consumer"
				}
				if b.demoteLocked(sub, msg, reason) {
					held++
				}
				continue
			}
			delivered++
			b.stats.IncrementDelivered()
			b.stats.AddBytesSent(uint64(len(payload)))
			if b.metrics != nil {
				b.metrics.RecordDelivery(int64(len(payload)))
			}

		case session.StateDisconnectedPending:
			if b.holdLocked(sub, msg) {
				held++
			}
		}
	}

	return delivered, held
}

// holdLocked queues msg in a lost session's retention queue. A full
// queue drops the message. Callers hold b.mu.
func (b *Broker) holdLocked(sub *session.Session, msg session.PendingMessage) bool {
	if err := sub.HoldPending(msg); err != nil {
		b.stats.AddPendingDropped(1)
		if b.metrics != nil {
			b.metrics.RecordPendingDropped(1, "overflow")
		}
		b.logOp("retention queue full, message dropped",
			slog.String("client", sub.Name()),
			slog.String("topic", msg.Topic))
		return false
	}

	b.stats.IncrementHeld()
	if b.metrics != nil {
		b.metrics.RecordHold()
	}
	if b.webhooks != nil {
		b.webhooks.Notify(context.Background(), events.MessageHeld{
			ClientName:   sub.Name(),
			MessageTopic: msg.Topic,
			Publisher:    msg.Publisher,
			PayloadSize:  len(msg.Payload),
		})
	}
	return true
}

// demoteLocked severs a consumer whose connection cannot take more
// frames. The session enters the grace period and the undeliverable
// message becomes a retention entry. Callers hold b.mu.
func (b *Broker) demoteLocked(sub *session.Session, msg session.PendingMessage, reason string) bool {
	if !sub.MarkLost() {
		return false
	}

	b.stats.DecrementConnections()
	if b.metrics != nil {
		b.metrics.RecordDisconnection(reason)
		b.metrics.RecordSessionLost()
	}
	if b.webhooks != nil {
		b.webhooks.Notify(context.Background(), events.ClientLost{
			ClientName:    sub.Name(),
			SessionID:     sub.ID,
			Subscriptions: sub.SubscriptionCount(),
			Reason:        reason,
		})
	}
	b.logOp("client demoted to grace period",
		slog.String("client", sub.Name()),
		slog.String("reason", reason))

	return b.holdLocked(sub, msg)
}

// Subscribe adds s to topic's subscriber set. Idempotent: a duplicate
// subscribe reports false with no error.
func (b *Broker) Subscribe(s *session.Session, topic string) (bool, error) {
	name := s.Name()

	if b.rateLimiter != nil && !b.rateLimiter.AllowSubscribe(name) {
		if b.metrics != nil {
			b.metrics.RecordError("rate_limited")
		}
		return false, ErrRateLimited
	}

	b.mu.Lock()
	added := s.AddSubscription(topic)
	if added {
		b.router.Subscribe(topic, name)
	}
	b.mu.Unlock()

	if !added {
		return false, nil
	}

	b.stats.IncrementSubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionAdded()
	}
	if b.webhooks != nil {
		b.webhooks.Notify(context.Background(), events.SubscriptionCreated{
			ClientName: name,
			TopicName:  topic,
		})
	}
	b.logOp("client subscribed",
		slog.String("client", name),
		slog.String("topic", topic))
	return true, nil
}

// Unsubscribe removes s from topic's subscriber set. Unsubscribing from
// a topic the session never subscribed to reports false with no error.
func (b *Broker) Unsubscribe(s *session.Session, topic string) (bool, error) {
	name := s.Name()

	if b.rateLimiter != nil && !b.rateLimiter.AllowSubscribe(name) {
		if b.metrics != nil {
			b.metrics.RecordError("rate_limited")
		}
		return false, ErrRateLimited
	}

	b.mu.Lock()
	removed := s.RemoveSubscription(topic)
	if removed {
		b.router.Unsubscribe(topic, name)
	}
	b.mu.Unlock()

	if !removed {
		return false, nil
	}

	b.stats.DecrementSubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved()
	}
	if b.webhooks != nil {
		b.webhooks.Notify(context.Background(), events.SubscriptionRemoved{
			ClientName: name,
			TopicName:  topic,
		})
	}
	b.logOp("client unsubscribed",
		slog.String("client", name),
		slog.String("topic", topic))
	return true, nil
}

// destroySessionLocked removes every trace of a session: topic index,
// registry binding, retention queue. Callers hold b.mu.
func (b *Broker) destroySessionLocked(s *session.Session) (name string, dropped int) {
	name = s.Name()
	dropped = s.PendingCount()
	subs := s.Subscriptions()
	b.router.RemoveAll(name, subs)
	b.stats.RemoveSubscriptions(len(subs))
	b.registry.Delete(name)
	s.Reap()
	return name, dropped
}

// Overview is a point-in-time summary for health and stats endpoints.
type Overview struct {
	Connected int `json:"connected"`
	Pending   int `json:"pending"`
	Topics    int `json:"topics"`
	Held      int `json:"held_messages"`
}

// Overview returns a snapshot of session and topic counts.
func (b *Broker) Overview() Overview {
	var o Overview
	b.registry.ForEach(func(s *session.Session) {
		switch s.State() {
		case session.StateConnected:
			o.Connected++
		case session.StateDisconnectedPending:
			o.Pending++
			o.Held += s.PendingCount()
		}
	})
	o.Topics = b.router.TopicCount()
	return o
}

// Sessions returns a snapshot of every live session.
func (b *Broker) Sessions() []session.Info {
	infos := make([]session.Info, 0, b.registry.Count())
	b.registry.ForEach(func(s *session.Session) {
		infos = append(infos, s.Info())
	})
	return infos
}

func remoteAddr(conn session.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}
