// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/pubsubx/broker/events"
	"github.com/absmach/pubsubx/config"
	"github.com/sony/gobreaker"
)

// Circuit breaker and backoff tuning shared by every endpoint.
const (
	breakerFailureThreshold = 5
	breakerResetTimeout     = 60 * time.Second
	maxRetryDelay           = 30 * time.Second
)

// GenericNotifier implements webhook notifications with a worker pool
// and a circuit breaker per endpoint.
type GenericNotifier struct {
	cfg        config.WebhookConfig
	brokerID   string
	eventQueue chan eventJob
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

type eventJob struct {
	event   events.Event
	url     string
	attempt int
}

// NewNotifier creates a new generic webhook notifier.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints))
	for _, url := range cfg.Endpoints {
		breakers[url] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        url,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     breakerResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(breakerFailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &GenericNotifier{
		cfg:        cfg,
		brokerID:   brokerID,
		eventQueue: make(chan eventJob, cfg.QueueSize),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(cfg.Endpoints)))

	return n, nil
}

// Notify queues an event for delivery to every endpoint. Non-blocking:
// when the queue is full the configured drop policy picks the victim.
func (n *GenericNotifier) Notify(ctx context.Context, event interface{}) error {
	ev, ok := event.(events.Event)
	if !ok {
		return fmt.Errorf("event must implement events.Event interface")
	}

	for _, url := range n.cfg.Endpoints {
		job := eventJob{
			event:   ev,
			url:     url,
			attempt: 0,
		}

		select {
		case n.eventQueue <- job:
			// Successfully queued
		default:
			// Queue full, apply drop policy
			if n.cfg.DropPolicy == "oldest" {
				select {
				case <-n.eventQueue: // drop oldest
				default:
				}
				select {
				case n.eventQueue <- job: // try to add newest
				default:
					n.logger.Error("webhook queue full, event dropped",
						slog.String("event_type", ev.Type()),
						slog.String("endpoint", url))
				}
			} else {
				// Drop newest (this one)
				n.logger.Error("webhook queue full, event dropped",
					slog.String("event_type", ev.Type()),
					slog.String("endpoint", url))
			}
		}
	}

	return nil
}

// worker processes events from the queue.
func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob sends a webhook with retry logic.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.url]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.sendWebhook(job)
	})
	if err == nil {
		return
	}

	if job.attempt < n.cfg.MaxRetries {
		job.attempt++
		delay := n.retryDelay(job.attempt)

		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", job.url),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempt", job.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			select {
			case n.eventQueue <- job:
			default:
				n.logger.Error("failed to requeue event for retry",
					slog.String("endpoint", job.url),
					slog.String("event_type", job.event.Type()))
			}
		})
		return
	}

	n.logger.Error("webhook delivery failed after max retries",
		slog.String("endpoint", job.url),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempts", job.attempt+1),
		slog.String("error", err.Error()))
}

// sendWebhook marshals the event and delegates to the protocol-specific sender.
func (n *GenericNotifier) sendWebhook(job eventJob) error {
	envelope := job.event.Wrap(n.brokerID)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.url, payload, n.cfg.Timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered successfully",
		slog.String("endpoint", job.url),
		slog.String("event_type", job.event.Type()))

	return nil
}

// retryDelay doubles the configured interval per attempt, capped at
// maxRetryDelay.
func (n *GenericNotifier) retryDelay(attempt int) time.Duration {
	delay := n.cfg.RetryInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// Close gracefully shuts down the notifier.
func (n *GenericNotifier) Close() error {
	n.logger.Info("shutting down webhook notifier")

	// Stop accepting new events
	n.cancel()

	// Wait for queue to drain with timeout
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped gracefully")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.eventQueue)))
	}

	return nil
}
