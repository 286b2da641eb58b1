// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command cli is the interactive pubsubx client. It reads commands
// from stdin, validates them locally and hands them to the client,
// which prints replies and deliveries as they arrive.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/absmach/pubsubx/client"
)

func main() {
	host := flag.String("host", "localhost", "Broker host to connect to")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelError
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	r := client.NewRenderer(os.Stdout)

	c := client.New(client.Options{
		Host:   *host,
		Logger: logger,
		OnMessage: func(msg client.Message) {
			r.Message(msg)
		},
		OnReply: func(ok bool, code, detail string) {
			r.Reply(ok, code, detail)
		},
		OnConnectionLost: func(err error) {
			r.ConnectionLost(err)
			r.Prompt()
		},
	})
	defer c.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		r.Prompt()
		if !scanner.Scan() {
			break
		}

		cmd, err := client.ParseInput(scanner.Text())
		if err != nil {
			if errors.Is(err, client.ErrEmptyInput) {
				continue
			}
			if errors.Is(err, client.ErrUnknownCommand) {
				r.Error(err)
				r.Help()
			} else {
				r.Error(err)
			}
			continue
		}

		switch cmd.Kind {
		case client.KindHelp:
			r.Help()

		case client.KindConnect:
			restored, err := c.Connect(cmd.Port, cmd.Name)
			if err != nil {
				r.Error(err)
				continue
			}
			if restored != nil {
				r.Restored(cmd.Name, restored)
			} else {
				r.Info(fmt.Sprintf("connected as %s", cmd.Name))
			}

		case client.KindDisconnect:
			if err := c.Disconnect(); err != nil {
				r.Error(err)
				continue
			}
			r.Info("disconnected")

		case client.KindPublish:
			if err := c.Publish(cmd.Topic, cmd.Data); err != nil {
				r.Error(err)
			}

		case client.KindSubscribe:
			switch err := c.Subscribe(cmd.Topic); {
			case errors.Is(err, client.ErrAlreadySubscribed):
				r.Info(fmt.Sprintf("already subscribed to %s", cmd.Topic))
			case err != nil:
				r.Error(err)
			}

		case client.KindUnsubscribe:
			switch err := c.Unsubscribe(cmd.Topic); {
			case errors.Is(err, client.ErrNotSubscribed):
				r.Info(fmt.Sprintf("not subscribed to %s", cmd.Topic))
			case err != nil:
				r.Error(err)
			}
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintln(os.Stderr, "input error:", err)
		os.Exit(1)
	}
}
