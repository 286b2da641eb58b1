// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the interactive pubsubx client: the dial
// and handshake sequence, and the dual-loop coordinator that keeps one
// loop reading input and one loop owning the socket.
//
// Commands funnel through a single bounded loopback channel into the
// socket loop, which is the only writer to the network connection, so
// the single-writer invariant holds without locking around the socket.
// Server replies and asynchronous deliveries surface through callbacks
// invoked from the socket loop.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/pubsubx/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendQueueSize    = 16

	// disconnectGrace bounds how long a graceful disconnect waits for
	// the server to close before severing the socket locally.
	disconnectGrace = 3 * time.Second
)

// Message is one delivery received from the broker.
type Message struct {
	Topic     string
	Publisher string
	Data      string
}

// Options configures a Client. The zero value is usable: localhost,
// 10 second handshake timeout, default queue size, discarded callbacks.
//
// Callbacks run on the socket loop and must not block; a callback that
// stalls delays every later delivery and queued command.
type Options struct {
	// Host is the broker host dialed by Connect; the port is a Connect
	// argument, per the interactive command grammar.
	Host string

	HandshakeTimeout time.Duration

	// SendQueueSize bounds the loopback channel between the command
	// side and the socket loop.
	SendQueueSize int

	Logger *slog.Logger

	// OnMessage is invoked from the socket loop for every delivery.
	OnMessage func(msg Message)

	// OnReply is invoked from the socket loop for command
	// acknowledgements and errors.
	OnReply func(ok bool, code, detail string)

	// OnConnectionLost is invoked once when the connection drops
	// without a local Disconnect.
	OnConnectionLost func(err error)
}

// inflightKind tags a command awaiting its broker verdict.
type inflightKind int

const (
	inflightPublish inflightKind = iota
	inflightSubscribe
	inflightUnsubscribe
	inflightDisconnect
)

// inflight is one sent command whose OK or ERROR has not arrived yet.
// The broker answers commands in order on a single connection, so the
// oldest entry always matches the next reply.
type inflight struct {
	kind  inflightKind
	topic string
}

// session is the per-connection state shared by the two loops. A new
// one is built per successful Connect, so a reconnect never races a
// previous generation's teardown.
type session struct {
	conn     net.Conn
	outbound chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (s *session) finish() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Client is a pubsubx client. All exported methods are safe for
// concurrent use; only the socket loop touches the network connection
// after the handshake.
type Client struct {
	opts   Options
	state  *stateManager
	logger *slog.Logger

	mu       sync.Mutex
	sess     *session
	name     string
	subs     map[string]struct{}
	inflight []inflight

	// sendMu serializes record-then-enqueue so the inflight order
	// matches the wire order.
	sendMu sync.Mutex

	loopWg sync.WaitGroup
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		state:  newStateManager(),
		logger: logger,
		subs:   make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// Name returns the display name bound by the last successful Connect.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Subscriptions returns the locally-tracked subscribed topics.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}

// Connect dials the broker at the configured host and the given port,
// performs the synchronous handshake binding name, and starts the
// socket loop. On a reconnection the broker restores the prior
// subscription set, returned as restored topics; held messages then
// flow through OnMessage like ordinary deliveries.
func (c *Client) Connect(port int, name string) (restored []string, err error) {
	if port <= 1024 || port > 65535 {
		return nil, ErrInvalidPort
	}
	if protocol.ValidateName(name) != nil {
		return nil, ErrInvalidName
	}
	if c.state.isClosed() {
		return nil, ErrClientClosed
	}
	if !c.state.transition(StateDisconnected, StateConnecting) {
		return nil, ErrAlreadyConnected
	}
	// From here every failure path must fall back to disconnected.
	defer func() {
		if err != nil {
			c.state.transition(StateConnecting, StateDisconnected)
		}
	}()

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, c.opts.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	reader := protocol.NewReader(conn, 0)
	restored, err = c.handshake(conn, reader, name)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sess := &session{
		conn:     conn,
		outbound: make(chan []byte, c.opts.SendQueueSize),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = sess
	c.name = name
	c.subs = make(map[string]struct{})
	for _, t := range restored {
		c.subs[t] = struct{}{}
	}
	c.inflight = nil
	c.mu.Unlock()

	c.state.set(StateConnected)

	inbound := make(chan []byte, 64)
	readErr := make(chan error, 1)
	c.loopWg.Add(2)
	go c.readLoop(sess, reader, inbound, readErr)
	go c.socketLoop(sess, inbound, readErr)

	c.logger.Debug("connected",
		slog.String("name", name),
		slog.String("addr", addr),
		slog.Int("restored_topics", len(restored)))
	return restored, nil
}

// handshake writes the CONNECT frame and reads the broker's verdict
// under a deadline. Reader state carries over to the read loop, so
// replayed deliveries buffered behind the handshake frames are not
// lost.
func (c *Client) handshake(conn net.Conn, reader *protocol.Reader, name string) ([]string, error) {
	writer := protocol.NewWriter(conn)

	_ = conn.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := writer.WriteFrame(protocol.EncodeConnect(name)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	frame, err := reader.ReadFrame()
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	reply, err := protocol.ParseReply(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	switch reply.Type {
	case protocol.ReplyOK:
		return nil, nil

	case protocol.ReplyError:
		if reply.Code == protocol.CodeNameTaken {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, reply.Detail)

	case protocol.ReplyRestored:
		// The next frame is the space-joined prior topic list.
		topicsFrame, err := reader.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
		var topics []string
		if len(topicsFrame) > 0 {
			topics = strings.Split(string(topicsFrame), " ")
		}
		return topics, nil

	default:
		return nil, fmt.Errorf("%w: unexpected reply %s", ErrConnectFailed, reply.Type)
	}
}

// readLoop pulls frames off the socket and hands them to the socket
// loop. It is the only reader of the connection.
func (c *Client) readLoop(sess *session, reader *protocol.Reader, inbound chan<- []byte, readErr chan<- error) {
	defer c.loopWg.Done()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			select {
			case readErr <- err:
			case <-sess.done:
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		select {
		case inbound <- frame:
		case <-sess.done:
			return
		}
	}
}

// socketLoop is the sole writer to the network connection. It
// multiplexes the loopback channel (commands from the input side) with
// inbound frames (dispatched to callbacks) until the connection ends.
func (c *Client) socketLoop(sess *session, inbound <-chan []byte, readErr <-chan error) {
	defer c.loopWg.Done()

	writer := protocol.NewWriter(sess.conn)

	for {
		select {
		case frame := <-sess.outbound:
			if err := writer.WriteFrame(frame); err != nil {
				c.connectionEnded(sess, err)
				return
			}

		case frame := <-inbound:
			c.dispatch(frame)

		case err := <-readErr:
			c.connectionEnded(sess, err)
			return

		case <-sess.done:
			return
		}
	}
}

// dispatch routes one server frame to the proper callback. Every OK or
// ERROR settles the oldest inflight command; a refusal rolls back the
// local mutation made when the command was sent.
func (c *Client) dispatch(frame []byte) {
	reply, err := protocol.ParseReply(frame)
	if err != nil {
		c.logger.Warn("dropping malformed server frame", slog.String("error", err.Error()))
		return
	}

	switch reply.Type {
	case protocol.ReplyMessage:
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(Message{
				Topic:     reply.Topic,
				Publisher: reply.Publisher,
				Data:      reply.Data,
			})
		}
	case protocol.ReplyOK:
		c.settleInflight(true)
		if c.opts.OnReply != nil {
			c.opts.OnReply(true, "", reply.Detail)
		}
	case protocol.ReplyError:
		c.settleInflight(false)
		if c.opts.OnReply != nil {
			c.opts.OnReply(false, reply.Code, reply.Detail)
		}
	default:
		c.logger.Warn("unexpected server frame", slog.String("type", reply.Type.String()))
	}
}

// settleInflight pops the oldest unanswered command and, when the
// broker refused it, undoes its optimistic subscription change.
func (c *Client) settleInflight(accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return
	}
	cmd := c.inflight[0]
	c.inflight = c.inflight[1:]
	if accepted {
		return
	}
	switch cmd.kind {
	case inflightSubscribe:
		delete(c.subs, cmd.topic)
	case inflightUnsubscribe:
		c.subs[cmd.topic] = struct{}{}
	}
}

// connectionEnded finishes the session after a socket failure. A
// graceful disconnect lands in StateDisconnected quietly; an abrupt
// loss additionally fires OnConnectionLost.
func (c *Client) connectionEnded(sess *session, err error) {
	sess.finish()

	if c.state.transitionFrom(StateDisconnected, StateDisconnecting) {
		return
	}
	if c.state.transitionFrom(StateDisconnected, StateConnected) {
		c.logger.Debug("connection lost", slog.String("error", err.Error()))
		if c.opts.OnConnectionLost != nil {
			c.opts.OnConnectionLost(err)
		}
	}
}

// currentSession snapshots the live session for command submission.
func (c *Client) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// send queues a frame onto the loopback channel for the socket loop.
func (c *Client) send(sess *session, frame []byte) error {
	select {
	case sess.outbound <- frame:
		return nil
	case <-sess.done:
		return ErrNotConnected
	}
}

// sendTracked records cmd as inflight and queues its frame. sendMu
// keeps the inflight order identical to the wire order when commands
// are submitted concurrently.
func (c *Client) sendTracked(sess *session, cmd inflight, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	c.inflight = append(c.inflight, cmd)
	c.mu.Unlock()

	if err := c.send(sess, frame); err != nil {
		c.mu.Lock()
		if n := len(c.inflight); n > 0 {
			c.inflight = c.inflight[:n-1]
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Publish publishes data on topic. Replies arrive via OnReply.
func (c *Client) Publish(topic, data string) error {
	if protocol.ValidateTopic(topic) != nil {
		return ErrInvalidTopic
	}
	sess := c.currentSession()
	if sess == nil || !c.state.isConnected() {
		return ErrNotConnected
	}
	return c.sendTracked(sess, inflight{kind: inflightPublish, topic: topic}, protocol.EncodePublish(topic, data))
}

// Subscribe subscribes to topic. Subscribing to a topic already held
// locally returns ErrAlreadySubscribed and sends nothing. The local
// set is updated optimistically; a broker ERROR rolls it back when the
// reply settles.
func (c *Client) Subscribe(topic string) error {
	if protocol.ValidateTopic(topic) != nil {
		return ErrInvalidTopic
	}
	if !c.state.isConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.subs[topic] = struct{}{}
	c.mu.Unlock()

	if err := c.sendTracked(sess, inflight{kind: inflightSubscribe, topic: topic}, protocol.EncodeSubscribe(topic)); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe unsubscribes from topic. Unsubscribing from a topic not
// held locally returns ErrNotSubscribed and sends nothing. Like
// Subscribe, the local removal is rolled back when the broker refuses.
func (c *Client) Unsubscribe(topic string) error {
	if protocol.ValidateTopic(topic) != nil {
		return ErrInvalidTopic
	}
	if !c.state.isConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := c.subs[topic]; !ok {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(c.subs, topic)
	c.mu.Unlock()

	if err := c.sendTracked(sess, inflight{kind: inflightUnsubscribe, topic: topic}, protocol.EncodeUnsubscribe(topic)); err != nil {
		c.mu.Lock()
		c.subs[topic] = struct{}{}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect sends DISCONNECT and waits for the broker to close the
// connection, severing it locally if the goodbye takes too long. The
// client returns to the disconnected state and may Connect again.
func (c *Client) Disconnect() error {
	if !c.state.transition(StateConnected, StateDisconnecting) {
		return ErrNotConnected
	}

	sess := c.currentSession()
	if sess == nil {
		c.state.set(StateDisconnected)
		return nil
	}

	if err := c.sendTracked(sess, inflight{kind: inflightDisconnect}, protocol.EncodeDisconnect()); err != nil {
		sess.finish()
		c.state.set(StateDisconnected)
		return nil
	}

	select {
	case <-sess.done:
	case <-time.After(disconnectGrace):
		sess.finish()
	}
	c.state.set(StateDisconnected)

	c.mu.Lock()
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	c.logger.Debug("disconnected")
	return nil
}

// Close permanently shuts the client down; a closed client cannot
// reconnect. Safe to call in any state.
func (c *Client) Close() error {
	prev := c.state.get()
	c.state.set(StateClosed)

	if prev == StateConnected || prev == StateDisconnecting {
		if sess := c.currentSession(); sess != nil {
			sess.finish()
		}
	}
	c.loopWg.Wait()
	return nil
}

// errString renders an error for prompt display, trimming the wrapped
// chain down to the leaf message.
func errString(err error) string {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err.Error()
		}
		err = unwrapped
	}
}
