// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strings"
)

// ReplyType identifies a server-to-client frame.
type ReplyType int

const (
	ReplyOK ReplyType = iota + 1
	ReplyError
	ReplyRestored
	ReplyMessage
)

func (t ReplyType) String() string {
	switch t {
	case ReplyOK:
		return "OK"
	case ReplyError:
		return "ERROR"
	case ReplyRestored:
		return "RESTORED"
	case ReplyMessage:
		return "MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// Reply is a parsed server frame. After a RESTORED reply the next frame
// is a bare space-joined topic list, read outside ParseReply.
type Reply struct {
	Type      ReplyType
	Detail    string // OK, ERROR
	Code      string // ERROR
	Name      string // RESTORED
	Topic     string // MESSAGE
	Publisher string // MESSAGE
	Data      string // MESSAGE
}

// ParseReply parses a server frame.
func ParseReply(frame []byte) (Reply, error) {
	if !isASCII(frame) {
		return Reply{}, fmt.Errorf("non-ASCII frame: %w", ErrMalformedReply)
	}

	fields := strings.SplitN(string(frame), " ", 2)
	switch fields[0] {
	case "OK":
		var detail string
		if len(fields) == 2 {
			detail = fields[1]
		}
		return Reply{Type: ReplyOK, Detail: detail}, nil

	case "ERROR":
		if len(fields) != 2 {
			return Reply{}, fmt.Errorf("ERROR without code: %w", ErrMalformedReply)
		}
		rest := strings.SplitN(fields[1], " ", 2)
		r := Reply{Type: ReplyError, Code: rest[0]}
		if len(rest) == 2 {
			r.Detail = rest[1]
		}
		return r, nil

	case "RESTORED":
		if len(fields) != 2 {
			return Reply{}, fmt.Errorf("RESTORED without name: %w", ErrMalformedReply)
		}
		return Reply{Type: ReplyRestored, Name: fields[1]}, nil

	case "MESSAGE":
		if len(fields) != 2 {
			return Reply{}, fmt.Errorf("MESSAGE without body: %w", ErrMalformedReply)
		}
		rest := strings.SplitN(fields[1], " ", 3)
		if len(rest) < 2 {
			return Reply{}, fmt.Errorf("MESSAGE needs topic and publisher: %w", ErrMalformedReply)
		}
		r := Reply{Type: ReplyMessage, Topic: rest[0], Publisher: rest[1]}
		if len(rest) == 3 {
			r.Data = rest[2]
		}
		return r, nil

	default:
		return Reply{}, fmt.Errorf("unknown reply %q: %w", fields[0], ErrMalformedReply)
	}
}

// EncodeOK builds an acknowledgement frame payload.
func EncodeOK(detail string) []byte {
	if detail == "" {
		return []byte("OK")
	}
	return []byte("OK " + detail)
}

// EncodeError builds an error frame payload.
func EncodeError(code, detail string) []byte {
	if detail == "" {
		return []byte("ERROR " + code)
	}
	return []byte("ERROR " + code + " " + detail)
}

// EncodeRestored builds the reconnection acknowledgement. The topic
// list frame built by EncodeTopics follows it on the wire.
func EncodeRestored(name string) []byte {
	return []byte("RESTORED " + name)
}

// EncodeTopics builds the bare topic-list frame: space-joined topic
// names, empty for an empty set.
func EncodeTopics(topics []string) []byte {
	return []byte(strings.Join(topics, " "))
}

// EncodeMessage builds a delivery frame payload.
func EncodeMessage(topic, publisher, data string) []byte {
	if data == "" {
		return []byte("MESSAGE " + topic + " " + publisher)
	}
	return []byte("MESSAGE " + topic + " " + publisher + " " + data)
}
