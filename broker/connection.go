// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/pubsubx/protocol"
	"github.com/absmach/pubsubx/session"
)

const controlBurst = 32

var (
	_ session.Conn = (*Conn)(nil)

	ErrSendQueueFull = errors.New("send queue full: client disconnected")
)

// Conn wraps a net.Conn with frame-level I/O and queued writes. A
// single writer goroutine owns the socket's write side, giving control
// frames (acknowledgements, errors) priority over data frames (message
// deliveries) while keeping FIFO order within each class.
type Conn struct {
	sock   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer

	sendMu    sync.Mutex
	controlCh chan []byte
	dataCh    chan []byte
	drainCh   chan struct{}
	closeCh   chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	sendWg    sync.WaitGroup
	closed    atomic.Bool

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a network connection.
// queueSize <= 0 keeps synchronous writes; queueSize > 0 enables
// asynchronous queued writes where a full data queue disconnects the
// peer rather than block the broker.
func NewConn(sock net.Conn, queueSize, maxFrameSize int, readTimeout, writeTimeout time.Duration) *Conn {
	c := &Conn{
		sock:         sock,
		reader:       protocol.NewReader(sock, maxFrameSize),
		writer:       protocol.NewWriter(sock),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}

	if queueSize > 0 {
		controlCap := queueSize / 4
		if controlCap < 1 {
			controlCap = 1
		}
		c.controlCh = make(chan []byte, controlCap)
		c.dataCh = make(chan []byte, queueSize)
		c.drainCh = make(chan struct{})
		c.closeCh = make(chan struct{})

		c.sendWg.Add(1)
		go c.sendLoop()
	}

	return c
}

// ReadFrame returns the next frame from the peer. A configured read
// timeout is refreshed per frame, so it bounds silence, not session
// length.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.sock.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.reader.ReadFrame()
}

// SendControl queues an acknowledgement or error frame. Control sends
// block when the queue is momentarily full: the handler produces at
// most one per command it reads, so the wait is short.
func (c *Conn) SendControl(payload []byte) error {
	if c.controlCh == nil {
		return c.writeSync(payload)
	}

	if c.closed.Load() {
		return net.ErrClosed
	}

	select {
	case c.controlCh <- payload:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	}
}

// SendData queues a message delivery frame. A full queue means the
// peer is not keeping up: the connection is severed and
// ErrSendQueueFull returned so the caller can demote the session.
func (c *Conn) SendData(payload []byte) error {
	if c.dataCh == nil {
		return c.writeSync(payload)
	}

	if c.closed.Load() {
		return net.ErrClosed
	}

	select {
	case c.dataCh <- payload:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	default:
		c.markClosed()
		_ = c.sock.Close()
		return ErrSendQueueFull
	}
}

// QueueRestore queues the restore sequence on a connection whose
// queues are still empty. The frames share the data queue, so every
// delivery routed to the session after it becomes visible lands behind
// the full replay in FIFO order. The enqueue never blocks: a peer
// whose queue cannot absorb the sequence is severed like any slow
// consumer, and the caller parks the unqueued remainder back in
// retention. Returns how many payloads were queued.
func (c *Conn) QueueRestore(payloads ...[]byte) (int, error) {
	if c.dataCh == nil {
		for i, payload := range payloads {
			if err := c.writeSync(payload); err != nil {
				return i, err
			}
		}
		return len(payloads), nil
	}

	if c.closed.Load() {
		return 0, net.ErrClosed
	}

	for i, payload := range payloads {
		select {
		case c.dataCh <- payload:
		case <-c.closeCh:
			return i, net.ErrClosed
		default:
			c.markClosed()
			_ = c.sock.Close()
			return i, ErrSendQueueFull
		}
	}
	return len(payloads), nil
}

func (c *Conn) writeSync(payload []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}

	if c.writeTimeout > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.writer.WriteFrame(payload)
}

func (c *Conn) sendLoop() {
	defer c.sendWg.Done()

	for {
		controlCount := 0

		for draining := true; draining && controlCount < controlBurst; {
			select {
			case <-c.closeCh:
				return
			case payload := <-c.controlCh:
				if !c.doWrite(payload) {
					return
				}
				controlCount++
			default:
				draining = false
			}
		}

		if controlCount == controlBurst {
			select {
			case <-c.closeCh:
				return
			case payload := <-c.dataCh:
				if !c.doWrite(payload) {
					return
				}
			default:
			}
			continue
		}

		select {
		case <-c.closeCh:
			return
		case payload := <-c.controlCh:
			if !c.doWrite(payload) {
				return
			}
		default:
			select {
			case <-c.closeCh:
				return
			case <-c.drainCh:
				c.flushRemaining()
				return
			case payload := <-c.controlCh:
				if !c.doWrite(payload) {
					return
				}
			case payload := <-c.dataCh:
				if !c.doWrite(payload) {
					return
				}
			}
		}
	}
}

// flushRemaining empties both queues, control frames first, then
// returns. Used on graceful teardown so a final reply reaches the peer.
func (c *Conn) flushRemaining() {
	for {
		select {
		case payload := <-c.controlCh:
			if !c.doWrite(payload) {
				return
			}
		default:
			select {
			case payload := <-c.dataCh:
				if !c.doWrite(payload) {
					return
				}
			default:
				return
			}
		}
	}
}

func (c *Conn) doWrite(payload []byte) bool {
	if c.writeTimeout > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.writer.WriteFrame(payload); err != nil {
		c.markClosed()
		_ = c.sock.Close()
		return false
	}
	return true
}

func (c *Conn) markClosed() {
	c.closed.Store(true)
	if c.closeCh != nil {
		c.closeOnce.Do(func() {
			close(c.closeCh)
		})
	}
}

// Flush asks the writer goroutine to finish queued frames and waits
// for it. Call only when no more sends will follow.
func (c *Conn) Flush() {
	if c.drainCh == nil {
		return
	}
	c.drainOnce.Do(func() {
		close(c.drainCh)
	})
	c.sendWg.Wait()
}

// Close severs the connection immediately. Queued frames that have not
// reached the socket are dropped.
func (c *Conn) Close() error {
	c.markClosed()
	err := c.sock.Close()
	if c.controlCh != nil {
		c.sendWg.Wait()
	}
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}
