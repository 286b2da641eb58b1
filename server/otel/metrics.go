// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the pub/sub broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	restoresTotal       metric.Int64Counter
	expirationsTotal    metric.Int64Counter
	messagesPublished   metric.Int64Counter
	messagesDelivered   metric.Int64Counter
	messagesHeld        metric.Int64Counter
	messagesReplayed    metric.Int64Counter
	messagesDropped     metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	sessionsPending     metric.Int64UpDownCounter
	messagesPending     metric.Int64UpDownCounter

	// Histograms
	messageSize       metric.Int64Histogram
	publishFanout     metric.Int64Histogram
	operationDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("pubsub-broker"),
	}

	var err error

	// Initialize counters
	m.connectionsTotal, err = m.meter.Int64Counter(
		"pubsub.connections.total",
		metric.WithDescription("Total number of client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"pubsub.disconnections.total",
		metric.WithDescription("Total number of disconnections by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.restoresTotal, err = m.meter.Int64Counter(
		"pubsub.restores.total",
		metric.WithDescription("Total sessions restored within the retention window"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create restoresTotal counter: %w", err)
	}

	m.expirationsTotal, err = m.meter.Int64Counter(
		"pubsub.expirations.total",
		metric.WithDescription("Total sessions reaped after the retention window"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expirationsTotal counter: %w", err)
	}

	m.messagesPublished, err = m.meter.Int64Counter(
		"pubsub.messages.published.total",
		metric.WithDescription("Total publish commands accepted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"pubsub.messages.delivered.total",
		metric.WithDescription("Total messages delivered to connected subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesHeld, err = m.meter.Int64Counter(
		"pubsub.messages.held.total",
		metric.WithDescription("Total messages held for disconnected subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesHeld counter: %w", err)
	}

	m.messagesReplayed, err = m.meter.Int64Counter(
		"pubsub.messages.replayed.total",
		metric.WithDescription("Total held messages replayed on reconnect"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReplayed counter: %w", err)
	}

	m.messagesDropped, err = m.meter.Int64Counter(
		"pubsub.messages.dropped.total",
		metric.WithDescription("Total held messages dropped by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDropped counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"pubsub.bytes.received.total",
		metric.WithDescription("Total payload bytes received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"pubsub.bytes.sent.total",
		metric.WithDescription("Total payload bytes sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"pubsub.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	// Initialize up/down counters (gauges)
	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"pubsub.connections.current",
		metric.WithDescription("Current number of connected clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"pubsub.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.sessionsPending, err = m.meter.Int64UpDownCounter(
		"pubsub.sessions.pending",
		metric.WithDescription("Number of sessions in the retention grace period"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsPending gauge: %w", err)
	}

	m.messagesPending, err = m.meter.Int64UpDownCounter(
		"pubsub.messages.pending",
		metric.WithDescription("Messages currently held in retention queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPending gauge: %w", err)
	}

	// Initialize histograms
	m.messageSize, err = m.meter.Int64Histogram(
		"pubsub.message.size.bytes",
		metric.WithDescription("Published payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishFanout, err = m.meter.Int64Histogram(
		"pubsub.publish.fanout",
		metric.WithDescription("Subscribers reached per publish"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishFanout histogram: %w", err)
	}

	m.operationDuration, err = m.meter.Float64Histogram(
		"pubsub.operation.duration.ms",
		metric.WithDescription("Service operation duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operationDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a completed handshake.
func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a disconnection.
// Reasons: normal, connection_lost, slow_consumer.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordSessionLost records a session entering the retention grace period.
func (m *Metrics) RecordSessionLost() {
	m.sessionsPending.Add(context.Background(), 1)
}

// RecordSessionRestored records a reconnect that revived a pending
// session, replaying the given number of held messages.
func (m *Metrics) RecordSessionRestored(replayed, sizeBytes int64) {
	ctx := context.Background()
	m.restoresTotal.Add(ctx, 1)
	m.sessionsPending.Add(ctx, -1)
	if replayed > 0 {
		m.messagesReplayed.Add(ctx, replayed)
		m.messagesPending.Add(ctx, -replayed)
		m.bytesSent.Add(ctx, sizeBytes)
	}
}

// RecordSessionExpired records a pending session reaped after the
// retention window, discarding its held messages.
func (m *Metrics) RecordSessionExpired(dropped int64) {
	ctx := context.Background()
	m.expirationsTotal.Add(ctx, 1)
	m.sessionsPending.Add(ctx, -1)
	if dropped > 0 {
		m.messagesDropped.Add(ctx, dropped, metric.WithAttributes(
			attribute.String("reason", "expired"),
		))
		m.messagesPending.Add(ctx, -dropped)
	}
}

// RecordPublish records an accepted publish and its fanout.
func (m *Metrics) RecordPublish(sizeBytes, recipients int64) {
	ctx := context.Background()
	m.messagesPublished.Add(ctx, 1)
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
	m.publishFanout.Record(ctx, recipients)
}

// RecordDelivery records a message handed to a connected subscriber.
func (m *Metrics) RecordDelivery(sizeBytes int64) {
	ctx := context.Background()
	m.messagesDelivered.Add(ctx, 1)
	m.bytesSent.Add(ctx, sizeBytes)
}

// RecordHold records a message held for a disconnected subscriber.
func (m *Metrics) RecordHold() {
	ctx := context.Background()
	m.messagesHeld.Add(ctx, 1)
	m.messagesPending.Add(ctx, 1)
}

// RecordPendingDropped records held messages dropped before replay.
// Expired drops leave the retention queue; overflow drops never
// entered it, so only the former move the pending gauge.
func (m *Metrics) RecordPendingDropped(n int64, reason string) {
	ctx := context.Background()
	m.messagesDropped.Add(ctx, n, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	if reason == "expired" {
		m.messagesPending.Add(ctx, -n)
	}
}

// RecordSubscriptionAdded records a new subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records a subscription removal.
func (m *Metrics) RecordSubscriptionRemoved() {
	m.subscriptionsActive.Add(context.Background(), -1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordOperation records a service operation's duration and outcome.
func (m *Metrics) RecordOperation(op string, durationMs float64, err error) {
	m.operationDuration.Record(context.Background(), durationMs, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("success", err == nil),
	))
}
