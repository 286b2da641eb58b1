// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	// ErrQueueFull is returned when a pending-message queue is at
	// capacity; the incoming message is dropped.
	ErrQueueFull = errors.New("pending queue full")

	// ErrNotAttached is returned when writing to a session that has no
	// connection.
	ErrNotAttached = errors.New("session has no connection")
)
