// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"testing"
)

func TestParseInput(t *testing.T) {
	cases := []struct {
		input string
		want  Command
	}{
		{"connect 5672 alice", Command{Kind: KindConnect, Port: 5672, Name: "alice"}},
		{"CONNECT 5672 alice", Command{Kind: KindConnect, Port: 5672, Name: "alice"}},
		{"disconnect", Command{Kind: KindDisconnect}},
		{"publish news hello world", Command{Kind: KindPublish, Topic: "news", Data: "hello world"}},
		{"publish news", Command{Kind: KindPublish, Topic: "news"}},
		{"subscribe news", Command{Kind: KindSubscribe, Topic: "news"}},
		{"unsubscribe news", Command{Kind: KindUnsubscribe, Topic: "news"}},
		{"  subscribe news  ", Command{Kind: KindSubscribe, Topic: "news"}},
		{"-h", Command{Kind: KindHelp}},
		{"--help", Command{Kind: KindHelp}},
	}

	for _, tc := range cases {
		got, err := ParseInput(tc.input)
		if err != nil {
			t.Fatalf("ParseInput(%q): %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("ParseInput(%q) = %+v, want %+v", tc.input, got, tc.want)
		}
	}
}

func TestParseInputRejectsMalformed(t *testing.T) {
	cases := []struct {
		input string
		want  error
	}{
		{"", ErrEmptyInput},
		{"   ", ErrEmptyInput},
		{"\t", ErrEmptyInput},
		{"frobnicate", ErrUnknownCommand},
		{"connect 5672", ErrUnknownCommand},
		{"connect abc alice", ErrInvalidPort},
		{"connect 80 alice", ErrInvalidPort},
		{"connect 70000 alice", ErrInvalidPort},
		{"connect 5672 bad name", ErrInvalidName},
		{"disconnect now", ErrUnknownCommand},
		{"publish", ErrInvalidTopic},
		{"subscribe", ErrInvalidTopic},
		{"subscribe one two", ErrInvalidTopic},
		{"unsubscribe", ErrInvalidTopic},
	}

	for _, tc := range cases {
		if _, err := ParseInput(tc.input); !errors.Is(err, tc.want) {
			t.Errorf("ParseInput(%q) err = %v, want %v", tc.input, err, tc.want)
		}
	}
}
