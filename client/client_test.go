// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/pubsubx/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStub runs a scripted broker on a loopback listener. The script
// owns the accepted connection; the listener handles exactly one.
func startStub(t *testing.T, script func(conn net.Conn, r *protocol.Reader, w *protocol.Writer)) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, protocol.NewReader(conn, 0), protocol.NewWriter(conn))
	}()

	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return ln.Addr().(*net.TCPAddr).Port
}

// expectFrame reads one frame and fails the test if it does not match.
func expectFrame(t *testing.T, r *protocol.Reader, want string) {
	t.Helper()
	frame, err := r.ReadFrame()
	if err != nil {
		t.Errorf("reading frame (want %q): %v", want, err)
		return
	}
	if string(frame) != want {
		t.Errorf("frame = %q, want %q", frame, want)
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func TestConnectAndDisconnect(t *testing.T) {
	replies := make(chan string, 8)
	port := startStub(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		expectFrame(t, r, "CONNECT alice")
		_ = w.WriteFrame(protocol.EncodeOK("connected alice"))
		expectFrame(t, r, "DISCONNECT")
		_ = w.WriteFrame(protocol.EncodeOK("disconnected"))
	})

	c := New(Options{
		Host:   "127.0.0.1",
		Logger: quietLogger(),
		OnReply: func(ok bool, code, detail string) {
			replies <- detail
		},
	})
	defer c.Close()

	restored, err := c.Connect(port, "alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if restored != nil {
		t.Errorf("fresh connect restored topics %v", restored)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want %v", c.State(), StateConnected)
	}
	if c.Name() != "alice" {
		t.Errorf("Name() = %q, want alice", c.Name())
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitForState(t, c, StateDisconnected)
}

func TestConnectNameTaken(t *testing.T) {
	port := startStub(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		expectFrame(t, r, "CONNECT bob")
		_ = w.WriteFrame(protocol.EncodeError(protocol.CodeNameTaken, "name already taken"))
	})

	c := New(Options{Host: "127.0.0.1", Logger: quietLogger()})
	defer c.Close()

	if _, err := c.Connect(port, "bob"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("Connect err = %v, want %v", err, ErrNameTaken)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want %v after rejection", c.State(), StateDisconnected)
	}
}

func TestConnectRestoredReplaysSubscriptions(t *testing.T) {
	msgs := make(chan Message, 8)
	port := startStub(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		expectFrame(t, r, "CONNECT carol")
		_ = w.WriteFrame(protocol.EncodeRestored("carol"))
		_ = w.WriteFrame(protocol.EncodeTopics([]string{"news", "sport"}))
		// Held messages follow the topic list as ordinary deliveries.
		_ = w.WriteFrame(protocol.EncodeMessage("news", "dave", "held while away"))
		expectFrame(t, r, "DISCONNECT")
	})

	c := New(Options{
		Host:   "127.0.0.1",
		Logger: quietLogger(),
		OnMessage: func(msg Message) {
			msgs <- msg
		},
	})
	defer c.Close()

	restored, err := c.Connect(port, "carol")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if strings.Join(restored, " ") != "news sport" {
		t.Errorf("restored topics = %v, want [news sport]", restored)
	}

	msg := recv(t, msgs, "replayed delivery")
	if msg.Topic != "news" || msg.Publisher != "dave" || msg.Data != "held while away" {
		t.Errorf("unexpected delivery %+v", msg)
	}

	// The restored topics seed the local subscription set.
	if err := c.Subscribe("news"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("Subscribe(news) err = %v, want %v", err, ErrAlreadySubscribed)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	replies := make(chan string, 8)
	msgs := make(chan Message, 8)
	port := startStub(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		expectFrame(t, r, "CONNECT erin")
		_ = w.WriteFrame(protocol.EncodeOK("connected erin"))
		expectFrame(t, r, "SUBSCRIBE news")
		_ = w.WriteFrame(protocol.EncodeOK("subscribed to news"))
		expectFrame(t, r, "PUBLISH news breaking")
		_ = w.WriteFrame(protocol.EncodeOK("published to news"))
		_ = w.WriteFrame(protocol.EncodeMessage("news", "erin", "breaking"))
		expectFrame(t, r, "UNSUBSCRIBE news")
		_ = w.WriteFrame(protocol.EncodeOK("unsubscribed from news"))
		expectFrame(t, r, "DISCONNECT")
	})

	c := New(Options{
		Host:   "127.0.0.1",
		Logger: quietLogger(),
		OnReply: func(ok bool, code, detail string) {
			replies <- detail
		},
		OnMessage: func(msg Message) {
			msgs <- msg
		},
	})
	defer c.Close()

	if _, err := c.Connect(port, "erin"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Subscribe("news"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := recv(t, replies, "subscribe ack"); got != "subscribed to news" {
		t.Errorf("reply = %q", got)
	}
	if err := c.Subscribe("news"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("duplicate Subscribe err = %v, want %v", err, ErrAlreadySubscribed)
	}

	if err := c.Publish("news", "breaking"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := recv(t, replies, "publish ack"); got != "published to news" {
		t.Errorf("reply = %q", got)
	}
	msg := recv(t, msgs, "self-delivery")
	if msg.Topic != "news" || msg.Data != "breaking" {
		t.Errorf("unexpected delivery %+v", msg)
	}

	if err := c.Unsubscribe("news"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := recv(t, replies, "unsubscribe ack"); got != "unsubscribed from news" {
		t.Errorf("reply = %q", got)
	}
	if err := c.Unsubscribe("news"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("repeat Unsubscribe err = %v, want %v", err, ErrNotSubscribed)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestSubscribeRefusedRollsBack(t *testing.T) {
	replies := make(chan bool, 8)
	port := startStub(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		expectFrame(t, r, "CONNECT dana")
		_ = w.WriteFrame(protocol.EncodeOK("connected dana"))
		expectFrame(t, r, "SUBSCRIBE news")
		_ = w.WriteFrame(protocol.EncodeError(protocol.CodeProtocol, "subscribe refused"))
		expectFrame(t, r, "SUBSCRIBE news")
		_ = w.WriteFrame(protocol.EncodeOK("subscribed to news"))
	})

	c := New(Options{
		Host:   "127.0.0.1",
		Logger: quietLogger(),
		OnReply: func(ok bool, code, detail string) {
			replies <- ok
		},
	})
	defer c.Close()

	if _, err := c.Connect(port, "dana"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Subscribe("news"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ok := recv(t, replies, "subscribe verdict"); ok {
		t.Fatal("broker accepted the subscribe the stub refused")
	}

	// The refusal must undo the local set, so the retry goes back on
	// the wire instead of short-circuiting as a duplicate.
	if got := c.Subscriptions(); len(got) != 0 {
		t.Fatalf("subscriptions after refusal = %q, want none", got)
	}
	if err := c.Subscribe("news"); err != nil {
		t.Fatalf("retry Subscribe: %v", err)
	}
	if ok := recv(t, replies, "retry verdict"); !ok {
		t.Fatal("retry subscribe refused")
	}
	if got := c.Subscriptions(); len(got) != 1 || got[0] != "news" {
		t.Fatalf("subscriptions after retry = %q, want [news]", got)
	}
}

func TestUnsubscribeRefusedKeepsSubscription(t *testing.T) {
	replies := make(chan bool, 8)
	port := startStub(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		expectFrame(t, r, "CONNECT dana")
		_ = w.WriteFrame(protocol.EncodeOK("connected dana"))
		expectFrame(t, r, "SUBSCRIBE news")
		_ = w.WriteFrame(protocol.EncodeOK("subscribed to news"))
		expectFrame(t, r, "UNSUBSCRIBE news")
		_ = w.WriteFrame(protocol.EncodeError(protocol.CodeProtocol, "unsubscribe refused"))
	})

	c := New(Options{
		Host:   "127.0.0.1",
		Logger: quietLogger(),
		OnReply: func(ok bool, code, detail string) {
			replies <- ok
		},
	})
	defer c.Close()

	if _, err := c.Connect(port, "dana"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe("news"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ok := recv(t, replies, "subscribe verdict"); !ok {
		t.Fatal("subscribe refused")
	}

	if err := c.Unsubscribe("news"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if ok := recv(t, replies, "unsubscribe verdict"); ok {
		t.Fatal("broker accepted the unsubscribe the stub refused")
	}

	// The broker still routes to the topic, so the local set gets it
	// back and a repeat attempt is a real command, not ErrNotSubscribed.
	if got := c.Subscriptions(); len(got) != 1 || got[0] != "news" {
		t.Fatalf("subscriptions after refusal = %q, want [news]", got)
	}
}

func TestConnectionLostFiresCallback(t *testing.T) {
	lost := make(chan error, 1)
	port := startStub(t, func(conn net.Conn, r *protocol.Reader, w *protocol.Writer) {
		expectFrame(t, r, "CONNECT frank")
		_ = w.WriteFrame(protocol.EncodeOK("connected frank"))
		conn.Close()
	})

	c := New(Options{
		Host:             "127.0.0.1",
		HandshakeTimeout: 200 * time.Millisecond,
		Logger:           quietLogger(),
		OnConnectionLost: func(err error) {
			lost <- err
		},
	})
	defer c.Close()

	if _, err := c.Connect(port, "frank"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	recv(t, lost, "connection-lost callback")
	waitForState(t, c, StateDisconnected)

	// The state machine permits another attempt after an abrupt loss;
	// the one-shot stub never answers, so the handshake times out.
	if _, err := c.Connect(port, "frank"); err == nil {
		t.Error("reconnect against a dead stub should fail")
	}
	waitForState(t, c, StateDisconnected)
}

func TestOperationsRequireConnection(t *testing.T) {
	c := New(Options{Logger: quietLogger()})
	defer c.Close()

	if err := c.Publish("news", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish err = %v, want %v", err, ErrNotConnected)
	}
	if err := c.Subscribe("news"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe err = %v, want %v", err, ErrNotConnected)
	}
	if err := c.Unsubscribe("news"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe err = %v, want %v", err, ErrNotConnected)
	}
	if err := c.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect err = %v, want %v", err, ErrNotConnected)
	}
}

func TestConnectValidatesArguments(t *testing.T) {
	c := New(Options{Logger: quietLogger()})
	defer c.Close()

	if _, err := c.Connect(80, "alice"); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("Connect(80) err = %v, want %v", err, ErrInvalidPort)
	}
	if _, err := c.Connect(5672, "bad name"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Connect(bad name) err = %v, want %v", err, ErrInvalidName)
	}
}

func TestClosedClientRejectsConnect(t *testing.T) {
	c := New(Options{Logger: quietLogger()})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Connect(5672, "alice"); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Connect after Close err = %v, want %v", err, ErrClientClosed)
	}
}
