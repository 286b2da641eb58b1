// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Renderer writes client output for the interactive prompt. Writes are
// serialized so callbacks firing from the socket loop interleave
// cleanly with prompt output from the input loop.
type Renderer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewRenderer creates a renderer writing to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

func (r *Renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Prompt prints the command prompt without a trailing newline.
func (r *Renderer) Prompt() {
	r.printf("Enter command or (-h): ")
}

// Message renders one delivery as (topic, payload, publisher).
func (r *Renderer) Message(msg Message) {
	r.printf("(%s, %s, %s)\n",
		color.CyanString(msg.Topic), msg.Data, color.GreenString(msg.Publisher))
}

// Reply renders a server acknowledgement or error.
func (r *Renderer) Reply(ok bool, code, detail string) {
	if ok {
		r.printf("%s %s\n", color.GreenString("INFO:"), detail)
		return
	}
	if code != "" {
		r.printf("%s %s (%s)\n", color.RedString("ERROR:"), detail, code)
		return
	}
	r.printf("%s %s\n", color.RedString("ERROR:"), detail)
}

// Restored announces a restored session and its prior subscriptions.
func (r *Renderer) Restored(name string, topics []string) {
	if len(topics) == 0 {
		r.printf("%s session restored as %s\n", color.GreenString("INFO:"), name)
		return
	}
	r.printf("%s session restored as %s, subscribed to: %s\n",
		color.GreenString("INFO:"), name, strings.Join(topics, ", "))
}

// Error renders a local error.
func (r *Renderer) Error(err error) {
	r.printf("%s %s\n", color.RedString("ERROR:"), errString(err))
}

// Info renders an informational line.
func (r *Renderer) Info(text string) {
	r.printf("%s %s\n", color.GreenString("INFO:"), text)
}

// ConnectionLost announces an abrupt server-side disconnect.
func (r *Renderer) ConnectionLost(err error) {
	r.printf("%s connection lost: %s\n", color.RedString("ERROR:"), errString(err))
}

// Help prints the command reference.
func (r *Renderer) Help() {
	r.printf("%s", HelpText)
}
