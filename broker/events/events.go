// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientRestored      = "client.restored"
	TypeClientLost          = "client.lost"
	TypeClientExpired       = "client.expired"
	TypeClientDisconnected  = "client.disconnected"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypeMessagePublished    = "message.published"
	TypeMessageHeld         = "message.held"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Topic returns the pubsub topic for message events, empty for others
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a client binds a name.
type ClientConnected struct {
	ClientName string `json:"client_name"`
	SessionID  string `json:"session_id"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                   { return TypeClientConnected }
func (e ClientConnected) Topic() string                  { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientRestored is emitted when a reconnecting client reclaims its
// name within the retention window.
type ClientRestored struct {
	ClientName    string `json:"client_name"`
	SessionID     string `json:"session_id"`
	Subscriptions int    `json:"subscriptions"`
	Replayed      int    `json:"replayed"` // held messages delivered on restore
	RemoteAddr    string `json:"remote_addr"`
}

func (e ClientRestored) Type() string                   { return TypeClientRestored }
func (e ClientRestored) Topic() string                  { return "" }
func (e ClientRestored) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientLost is emitted when a connected client drops without a
// DISCONNECT and enters the retention grace period.
type ClientLost struct {
	ClientName    string `json:"client_name"`
	SessionID     string `json:"session_id"`
	Subscriptions int    `json:"subscriptions"`
	Reason        string `json:"reason"` // "connection_lost" or "slow_consumer"
}

func (e ClientLost) Type() string                   { return TypeClientLost }
func (e ClientLost) Topic() string                  { return "" }
func (e ClientLost) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientExpired is emitted when a lost client's retention window runs
// out and its session is reaped.
type ClientExpired struct {
	ClientName     string `json:"client_name"`
	PendingDropped int    `json:"pending_dropped"`
}

func (e ClientExpired) Type() string                   { return TypeClientExpired }
func (e ClientExpired) Topic() string                  { return "" }
func (e ClientExpired) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted on an explicit DISCONNECT.
type ClientDisconnected struct {
	ClientName string `json:"client_name"`
	SessionID  string `json:"session_id"`
}

func (e ClientDisconnected) Type() string                   { return TypeClientDisconnected }
func (e ClientDisconnected) Topic() string                  { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a client subscribes to a topic.
type SubscriptionCreated struct {
	ClientName string `json:"client_name"`
	TopicName  string `json:"topic"`
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                  { return e.TopicName }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a client unsubscribes from a topic.
type SubscriptionRemoved struct {
	ClientName string `json:"client_name"`
	TopicName  string `json:"topic"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                  { return e.TopicName }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted when a message is routed.
type MessagePublished struct {
	Publisher    string `json:"publisher"`
	MessageTopic string `json:"topic"`
	PayloadSize  int    `json:"payload_size"`
	Recipients   int    `json:"recipients"` // live deliveries
	Held         int    `json:"held"`       // retained for lost subscribers
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageHeld is emitted when a message enters a lost client's
// retention queue.
type MessageHeld struct {
	ClientName   string `json:"client_name"` // addressee
	MessageTopic string `json:"topic"`
	Publisher    string `json:"publisher"`
	PayloadSize  int    `json:"payload_size"`
}

func (e MessageHeld) Type() string                   { return TypeMessageHeld }
func (e MessageHeld) Topic() string                  { return e.MessageTopic }
func (e MessageHeld) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
