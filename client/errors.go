// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectTimeout   = errors.New("connection timeout")
	ErrNameTaken        = errors.New("name already taken")
	ErrClientClosed     = errors.New("client has been closed")

	// Local validation errors; nothing reaches the wire.
	ErrInvalidPort    = errors.New("port must be an integer in range 1024 < port <= 65535")
	ErrInvalidName    = errors.New("name must be 1..64 characters without spaces")
	ErrInvalidTopic   = errors.New("topic must be non-empty without spaces")
	ErrUnknownCommand = errors.New("unknown command")

	// ErrEmptyInput marks a blank prompt line; the REPL re-prompts
	// without rendering an error.
	ErrEmptyInput = errors.New("empty input")

	// Subscription bookkeeping conditions. These short-circuit locally:
	// subscribing to a held topic or unsubscribing from an absent one
	// sends nothing.
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
)
