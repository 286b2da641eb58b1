// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "errors"

var (
	// ErrProtocol covers malformed commands: unknown verbs, wrong arity,
	// non-ASCII bytes and invalid names or topics.
	ErrProtocol = errors.New("malformed command")

	// ErrNameInUse is returned when a CONNECT names a client that is
	// already connected.
	ErrNameInUse = errors.New("name already taken")

	// ErrNotConnected is returned for any command other than CONNECT
	// before the handshake completed.
	ErrNotConnected = errors.New("not connected")

	// ErrFrameTooLarge is returned when a frame accumulates past the
	// configured maximum without a delimiter. The pending input is dumped.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedReply is returned by ParseReply for server frames that
	// match no known reply shape.
	ErrMalformedReply = errors.New("malformed server reply")
)

// Wire error codes carried in ERROR replies.
const (
	CodeProtocol     = "PROTOCOL"
	CodeNameTaken    = "NAME_TAKEN"
	CodeNotConnected = "NOT_CONNECTED"
)
