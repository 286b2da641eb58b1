// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strings"
)

// CommandType identifies one of the five client commands.
type CommandType int

const (
	CommandConnect CommandType = iota + 1
	CommandDisconnect
	CommandPublish
	CommandSubscribe
	CommandUnsubscribe
)

func (t CommandType) String() string {
	switch t {
	case CommandConnect:
		return "CONNECT"
	case CommandDisconnect:
		return "DISCONNECT"
	case CommandPublish:
		return "PUBLISH"
	case CommandSubscribe:
		return "SUBSCRIBE"
	case CommandUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// Command is a parsed client command. Only the fields relevant to Type
// are populated.
type Command struct {
	Type  CommandType
	Name  string // CONNECT
	Topic string // PUBLISH, SUBSCRIBE, UNSUBSCRIBE
	Data  string // PUBLISH payload, may be empty
}

// ParseCommand parses a frame into a command. Verbs are matched
// case-insensitively. Parsing is pure: it touches no connection or
// session state, so malformed input can be rejected before dispatch.
func ParseCommand(frame []byte) (Command, error) {
	if !isASCII(frame) {
		return Command{}, fmt.Errorf("non-ASCII frame: %w", ErrProtocol)
	}

	fields := strings.SplitN(string(frame), " ", 3)
	verb := strings.ToUpper(fields[0])

	switch verb {
	case "CONNECT":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("CONNECT takes a single name: %w", ErrProtocol)
		}
		if err := ValidateName(fields[1]); err != nil {
			return Command{}, err
		}
		return Command{Type: CommandConnect, Name: fields[1]}, nil

	case "DISCONNECT":
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("DISCONNECT takes no arguments: %w", ErrProtocol)
		}
		return Command{Type: CommandDisconnect}, nil

	case "PUBLISH":
		if len(fields) < 2 {
			return Command{}, fmt.Errorf("PUBLISH needs a topic: %w", ErrProtocol)
		}
		if err := ValidateTopic(fields[1]); err != nil {
			return Command{}, err
		}
		var data string
		if len(fields) == 3 {
			data = fields[2]
		}
		return Command{Type: CommandPublish, Topic: fields[1], Data: data}, nil

	case "SUBSCRIBE", "UNSUBSCRIBE":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%s takes a single topic: %w", verb, ErrProtocol)
		}
		if err := ValidateTopic(fields[1]); err != nil {
			return Command{}, err
		}
		t := CommandSubscribe
		if verb == "UNSUBSCRIBE" {
			t = CommandUnsubscribe
		}
		return Command{Type: t, Topic: fields[1]}, nil

	default:
		return Command{}, fmt.Errorf("unknown verb %q: %w", fields[0], ErrProtocol)
	}
}

// EncodeConnect builds the CONNECT frame payload sent by clients.
func EncodeConnect(name string) []byte {
	return []byte("CONNECT " + name)
}

// EncodeDisconnect builds the DISCONNECT frame payload.
func EncodeDisconnect() []byte {
	return []byte("DISCONNECT")
}

// EncodePublish builds a PUBLISH frame payload.
func EncodePublish(topic, data string) []byte {
	if data == "" {
		return []byte("PUBLISH " + topic)
	}
	return []byte("PUBLISH " + topic + " " + data)
}

// EncodeSubscribe builds a SUBSCRIBE frame payload.
func EncodeSubscribe(topic string) []byte {
	return []byte("SUBSCRIBE " + topic)
}

// EncodeUnsubscribe builds an UNSUBSCRIBE frame payload.
func EncodeUnsubscribe(topic string) []byte {
	return []byte("UNSUBSCRIBE " + topic)
}

// ValidateName checks a display name: 1..MaxNameLen bytes, printable
// ASCII, no spaces. Names starting with '$' are rejected; that prefix
// marks broker-generated publishers and topics.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("name must be 1..%d characters: %w", MaxNameLen, ErrProtocol)
	}
	if strings.ContainsAny(name, " \n") || !isASCII([]byte(name)) {
		return fmt.Errorf("name %q has invalid characters: %w", name, ErrProtocol)
	}
	if name[0] == '$' {
		return fmt.Errorf("name %q uses the reserved '$' prefix: %w", name, ErrProtocol)
	}
	return nil
}

// ValidateTopic checks a topic name: non-empty printable ASCII without
// spaces.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic: %w", ErrProtocol)
	}
	if strings.ContainsAny(topic, " \n") || !isASCII([]byte(topic)) {
		return fmt.Errorf("topic %q has invalid characters: %w", topic, ErrProtocol)
	}
	return nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
