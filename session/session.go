package session

import (
	"net"
	"sort"
	"sync"
	"time"
)

// State represents the session lifecycle state.
type State int

const (
	// StateAwaitingHandshake is the initial state: socket accepted, no
	// valid CONNECT yet.
	StateAwaitingHandshake State = iota
	// StateConnected accepts the full command set.
	StateConnected
	// StateDisconnectedPending is entered on abrupt socket loss while
	// connected. Subscriptions are retained and deliveries are held
	// until the retention window runs out or the client reconnects.
	StateDisconnectedPending
	// StateReaped is terminal: resources released, name free for reuse.
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	case StateDisconnectedPending:
		return "disconnected_pending"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Conn is a network attachment that accepts framed payloads. Control
// frames are acknowledgements and errors; data frames are message
// deliveries. Implementations queue writes so no caller blocks on a
// peer's socket.
type Conn interface {
	SendControl(payload []byte) error
	SendData(payload []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Options holds options for creating a new session.
type Options struct {
	// PendingMaxMessages bounds the retention queue entry count.
	PendingMaxMessages int
	// PendingMaxBytes bounds the retention queue payload bytes.
	PendingMaxBytes int
}

// Session is one client's broker-side state across the life of a name
// binding: from handshake through connected operation and, after an
// abrupt loss, through the retention grace period.
type Session struct {
	mu sync.RWMutex

	// ID is assigned at accept and never changes.
	ID string

	name string

	conn Conn

	state          State
	connectedAt    time.Time
	disconnectedAt time.Time

	subscriptions map[string]struct{}
	pending       *pendingQueue
}

// New creates a session in StateAwaitingHandshake.
func New(id string, opts Options) *Session {
	return &Session{
		ID:            id,
		state:         StateAwaitingHandshake,
		subscriptions: make(map[string]struct{}),
		pending:       newPendingQueue(opts.PendingMaxMessages, opts.PendingMaxBytes),
	}
}

// Connect binds a display name and connection, promoting the session to
// StateConnected.
func (s *Session) Connect(name string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.name = name
	s.conn = conn
	s.state = StateConnected
	s.connectedAt = time.Now()
}

// MarkLost transitions a connected session to StateDisconnectedPending
// after abrupt socket loss. The connection is dropped; subscriptions
// and the pending queue survive. Returns false if the session was not
// connected (the loss was already handled).
func (s *Session) MarkLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return false
	}

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnectedPending
	s.disconnectedAt = time.Now()
	return true
}

// Reap moves the session to its terminal state and releases the
// connection and queue. The caller removes registry and topic-index
// references first; the name becomes reusable once that is done.
func (s *Session) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateReaped
	s.subscriptions = make(map[string]struct{})
	s.pending.reset()
}

// MergeFrom copies another session's subscription set into this one.
// Used during reconnection, before the old entry is reaped.
func (s *Session) MergeFrom(old *Session) {
	for _, topic := range old.Subscriptions() {
		s.AddSubscription(topic)
	}
}

// Detach releases the connection without closing it and returns it.
// Used on explicit disconnect, where the caller still owes the peer a
// final acknowledgement on the released connection.
func (s *Session) Detach() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conn
	s.conn = nil
	return c
}

// Name returns the bound display name, empty before CONNECT.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the session has a live connection.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected && s.conn != nil
}

// ConnectedAt returns when the session entered StateConnected.
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// DisconnectedAt returns when the session was marked lost.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectedAt
}

// Conn returns the attached connection, nil while pending.
func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Reply queues a control frame (acknowledgement or error) to the peer.
func (s *Session) Reply(payload []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotAttached
	}
	return conn.SendControl(payload)
}

// Deliver queues a data frame (message delivery) to the peer. Delivery
// order per session is the queue order, which preserves FIFO per
// publisher-subscriber pair.
func (s *Session) Deliver(payload []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotAttached
	}
	return conn.SendData(payload)
}

// AddSubscription adds a topic membership. Returns false if it was
// already present (subscribe is idempotent).
func (s *Session) AddSubscription(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[topic]; ok {
		return false
	}
	s.subscriptions[topic] = struct{}{}
	return true
}

// RemoveSubscription removes a topic membership. Returns false if it
// was not present.
func (s *Session) RemoveSubscription(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[topic]; !ok {
		return false
	}
	delete(s.subscriptions, topic)
	return true
}

// HasSubscription reports topic membership.
func (s *Session) HasSubscription(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[topic]
	return ok
}

// Subscriptions returns the topic memberships, sorted for stable
// iteration and wire output.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.subscriptions))
	for topic := range s.subscriptions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// SubscriptionCount returns the number of topic memberships.
func (s *Session) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// HoldPending queues a message for delivery on reconnection. Returns
// ErrQueueFull when either retention bound is hit; the message is then
// dropped.
func (s *Session) HoldPending(msg PendingMessage) error {
	return s.pending.enqueue(msg)
}

// DrainPending removes and returns all held messages still inside the
// retention window at now, in enqueue order. Expired entries are
// discarded with the drain.
func (s *Session) DrainPending(now time.Time, window time.Duration) []PendingMessage {
	return s.pending.drainValid(now, window)
}

// PrunePending discards held messages enqueued at or before cutoff and
// returns how many were dropped.
func (s *Session) PrunePending(cutoff time.Time) int {
	return s.pending.pruneExpired(cutoff)
}

// PendingCount returns the number of held messages.
func (s *Session) PendingCount() int {
	return s.pending.len()
}

// Info is a point-in-time snapshot for diagnostics and stats.
type Info struct {
	ID             string
	Name           string
	State          State
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	Subscriptions  int
	Pending        int
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		ID:             s.ID,
		Name:           s.name,
		State:          s.state,
		ConnectedAt:    s.connectedAt,
		DisconnectedAt: s.disconnectedAt,
		Subscriptions:  len(s.subscriptions),
		Pending:        s.pending.len(),
	}
}
