// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/pubsubx/protocol"
)

// CommandKind identifies an interactive command.
type CommandKind int

const (
	KindConnect CommandKind = iota + 1
	KindDisconnect
	KindPublish
	KindSubscribe
	KindUnsubscribe
	KindHelp
)

// Command is a locally-validated interactive command. Validation
// happens entirely on the client: malformed input never reaches the
// wire.
type Command struct {
	Kind  CommandKind
	Port  int    // connect
	Name  string // connect
	Topic string // publish, subscribe, unsubscribe
	Data  string // publish payload, may be empty
}

// ParseInput parses one interactive line. Verbs are case-insensitive.
// An empty line returns an error the prompt can silently swallow.
func ParseInput(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmptyInput
	}
	if line == "-h" || line == "--help" {
		return Command{Kind: KindHelp}, nil
	}

	fields := strings.SplitN(line, " ", 3)
	verb := strings.ToLower(fields[0])

	switch verb {
	case "connect":
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("connect takes a port and a name: %w", ErrUnknownCommand)
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil || port <= 1024 || port > 65535 {
			return Command{}, ErrInvalidPort
		}
		if protocol.ValidateName(fields[2]) != nil {
			return Command{}, ErrInvalidName
		}
		return Command{Kind: KindConnect, Port: port, Name: fields[2]}, nil

	case "disconnect":
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("disconnect takes no arguments: %w", ErrUnknownCommand)
		}
		return Command{Kind: KindDisconnect}, nil

	case "publish":
		if len(fields) < 2 {
			return Command{}, ErrInvalidTopic
		}
		if protocol.ValidateTopic(fields[1]) != nil {
			return Command{}, ErrInvalidTopic
		}
		var data string
		if len(fields) == 3 {
			data = fields[2]
		}
		return Command{Kind: KindPublish, Topic: fields[1], Data: data}, nil

	case "subscribe", "unsubscribe":
		if len(fields) != 2 {
			return Command{}, ErrInvalidTopic
		}
		if protocol.ValidateTopic(fields[1]) != nil {
			return Command{}, ErrInvalidTopic
		}
		kind := KindSubscribe
		if verb == "unsubscribe" {
			kind = KindUnsubscribe
		}
		return Command{Kind: kind, Topic: fields[1]}, nil

	default:
		return Command{}, fmt.Errorf("%q: %w", fields[0], ErrUnknownCommand)
	}
}

// HelpText is the interactive command reference printed for -h.
const HelpText = `Available commands:
  connect <port> <name>      connect to the broker at <port> as <name>
  disconnect                 disconnect from the broker
  publish <topic> <data>     publish <data> on <topic>
  subscribe <topic>          receive messages published on <topic>
  unsubscribe <topic>        stop receiving messages on <topic>
  -h                         print this help`
