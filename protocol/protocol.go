// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the pubsubx wire format: ASCII frames
// terminated by a three-byte delimiter, carrying space-separated
// commands from clients and replies or deliveries from the broker.
package protocol

import (
	"bytes"
	"io"
)

const (
	// EOM terminates every frame on the wire.
	EOM = "\n\nx"

	// DefaultMaxFrameSize bounds the bytes a single frame may occupy
	// before its delimiter arrives.
	DefaultMaxFrameSize = 10 * 1024

	// MaxNameLen bounds client display names.
	MaxNameLen = 64

	readChunkSize = 1024
)

var eom = []byte(EOM)

// Reader extracts delimiter-terminated frames from a byte stream,
// reassembling frames split across reads and splitting reads that carry
// several frames. Empty frames are returned as empty slices; skipping
// them is the caller's policy.
type Reader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	max   int
}

// NewReader creates a frame reader. maxFrameSize <= 0 selects
// DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{
		r:     r,
		chunk: make([]byte, readChunkSize),
		max:   maxFrameSize,
	}
}

// ReadFrame returns the next frame without its delimiter.
//
// When a partial frame grows past the maximum size the pending input is
// dumped and ErrFrameTooLarge returned; the stream stays usable. Any
// other error is the underlying reader's, with io.EOF marking a peer
// that went away (buffered partial input is discarded with it).
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		if i := bytes.Index(r.buf, eom); i >= 0 {
			frame := make([]byte, i)
			copy(frame, r.buf[:i])
			r.buf = append(r.buf[:0], r.buf[i+len(eom):]...)
			return frame, nil
		}

		if len(r.buf) > r.max {
			r.buf = r.buf[:0]
			return nil, ErrFrameTooLarge
		}

		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// Writer frames payloads onto a byte stream. Each frame goes out in a
// single Write call so a lone writer goroutine never interleaves
// partial frames.
type Writer struct {
	w io.Writer
}

// NewWriter creates a frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes payload followed by the delimiter.
func (w *Writer) WriteFrame(payload []byte) error {
	buf := make([]byte, 0, len(payload)+len(eom))
	buf = append(buf, payload...)
	buf = append(buf, eom...)
	_, err := w.w.Write(buf)
	return err
}
