package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/pubsubx/config"
	"github.com/absmach/pubsubx/protocol"
	"github.com/absmach/pubsubx/session"
)

// maxConsecutiveFaults closes a connection on the third protocol fault
// in a row. Any successful command resets the count.
const maxConsecutiveFaults = 3

// Handler runs the per-connection serve loop: read a frame, parse it,
// dispatch on session state, reply. One handler serves all connections.
type Handler struct {
	svc          Service
	logger       *slog.Logger
	queueSize    int
	maxFrame     int
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewHandler creates a connection handler backed by svc.
func NewHandler(svc Service, cfg config.BrokerConfig, readTimeout, writeTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:          svc,
		logger:       logger,
		queueSize:    cfg.SendQueueSize,
		maxFrame:     cfg.MaxRequestSize,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// HandleConnection serves one client connection until it disconnects,
// faults out or drops. The caller owns the accept loop and the socket's
// lifetime ends here.
func (h *Handler) HandleConnection(ctx context.Context, sock net.Conn) {
	conn := NewConn(sock, h.queueSize, h.maxFrame, h.readTimeout, h.writeTimeout)
	sess := h.svc.NewSession()

	h.logger.Debug("connection accepted",
		slog.String("remote", sock.RemoteAddr().String()),
		slog.String("session_id", sess.ID))

	// A graceful end owes the peer its final reply; an abrupt loss has
	// nobody left to flush for.
	if h.serve(ctx, conn, sess) {
		conn.Flush()
	}
	conn.Close()
	h.svc.HandleLost(sess)
}

// serve reads and dispatches frames until the connection ends. Reports
// whether the end was graceful (DISCONNECT or a deliberate force-close,
// as opposed to a dead socket).
func (h *Handler) serve(ctx context.Context, conn *Conn, sess *session.Session) bool {
	faults := 0

	// fault reports a violation to the peer and counts it; the third
	// consecutive one ends the session.
	fault := func(code, detail string) (fatal bool) {
		h.svc.Stats().IncrementProtocolErrors()
		faults++
		if conn.SendControl(protocol.EncodeError(code, detail)) != nil {
			return true
		}
		if faults >= maxConsecutiveFaults {
			h.logger.Warn("closing connection after repeated protocol faults",
				slog.String("session_id", sess.ID),
				slog.String("remote", conn.RemoteAddr().String()))
			return true
		}
		return false
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				// The oversize request was dumped; the stream is still
				// aligned on the next delimiter.
				if fault(protocol.CodeProtocol, "request too large") {
					return true
				}
				continue
			}
			return false
		}

		if len(frame) == 0 {
			continue
		}

		cmd, err := protocol.ParseCommand(frame)
		if err != nil {
			if fault(protocol.CodeProtocol, err.Error()) {
				return true
			}
			continue
		}

		if sess.State() != session.StateConnected {
			if cmd.Type != protocol.CommandConnect {
				if fault(protocol.CodeNotConnected, "connect first") {
					return true
				}
				continue
			}

			_, err := h.svc.Connect(ctx, sess, cmd.Name, conn)
			switch {
			case errors.Is(err, protocol.ErrNameInUse):
				// A well-formed CONNECT with an unlucky name. The
				// session stays in the handshake state and may retry.
				faults = 0
				if conn.SendControl(protocol.EncodeError(protocol.CodeNameTaken, "name already taken: "+cmd.Name)) != nil {
					return false
				}
			case errors.Is(err, ErrShuttingDown):
				_ = conn.SendControl(protocol.EncodeError(protocol.CodeProtocol, err.Error()))
				return true
			case err != nil:
				// Restore write failure. The broker parked the session
				// back in the grace period; the socket is dead.
				return false
			default:
				faults = 0
			}
			continue
		}

		switch cmd.Type {
		case protocol.CommandConnect:
			if fault(protocol.CodeProtocol, "already connected") {
				return true
			}

		case protocol.CommandDisconnect:
			if err := h.svc.Disconnect(sess); err != nil {
				h.logger.Error("disconnect failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()))
			}
			_ = conn.SendControl(protocol.EncodeOK("disconnected"))
			return true

		case protocol.CommandPublish:
			if _, err := h.svc.Publish(ctx, sess, cmd.Topic, cmd.Data); err != nil {
				if !h.replyErr(conn, err) {
					return false
				}
				continue
			}
			faults = 0
			if conn.SendControl(protocol.EncodeOK("published "+cmd.Topic)) != nil {
				return false
			}

		case protocol.CommandSubscribe:
			if _, err := h.svc.Subscribe(sess, cmd.Topic); err != nil {
				if !h.replyErr(conn, err) {
					return false
				}
				continue
			}
			faults = 0
			if conn.SendControl(protocol.EncodeOK("subscribed "+cmd.Topic)) != nil {
				return false
			}

		case protocol.CommandUnsubscribe:
			if _, err := h.svc.Unsubscribe(sess, cmd.Topic); err != nil {
				if !h.replyErr(conn, err) {
					return false
				}
				continue
			}
			faults = 0
			if conn.SendControl(protocol.EncodeOK("unsubscribed "+cmd.Topic)) != nil {
				return false
			}
		}
	}
}

// replyErr reports a command failure to the peer. Rate limit and
// shutdown rejections are not protocol faults: the frame was well
// formed. Reports whether the connection is still usable.
func (h *Handler) replyErr(conn *Conn, err error) bool {
	return conn.SendControl(protocol.EncodeError(protocol.CodeProtocol, err.Error())) == nil
}
