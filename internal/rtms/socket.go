package rtms

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type socketOptions struct {
	writeTimeout time.Duration
	sendBuffer   int
}

// socket owns one WebSocket connection. readPump feeds inbound in arrival
// order; writePump serializes writes, draining urgent before send.
type socket struct {
	kind    SocketKind
	conn    Conn
	send    chan []byte
	urgent  chan []byte
	inbound chan []byte
	done    chan struct{}
	opts    socketOptions
	logger  *zap.Logger

	closeOnce sync.Once
}

func newSocket(kind SocketKind, conn Conn, opts socketOptions, logger *zap.Logger) *socket {
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = DefaultWriteTimeout
	}
	if opts.sendBuffer <= 0 {
		opts.sendBuffer = DefaultSendBuffer
	}
	return &socket{
		kind:    kind,
		conn:    conn,
		send:    make(chan []byte, opts.sendBuffer),
		urgent:  make(chan []byte, UrgentBufferSize),
		inbound: make(chan []byte, InboundBufferSize),
		done:    make(chan struct{}),
		opts:    opts,
		logger:  logger.With(zap.String("socket", string(kind))),
	}
}

func (s *socket) start() {
	go s.writePump()
	go s.readPump()
}

// Inbound is closed once the connection stops delivering messages.
func (s *socket) Inbound() <-chan []byte {
	return s.inbound
}

func (s *socket) Send(v any) error {
	return s.enqueue(s.send, v)
}

// SendUrgent queues v ahead of everything waiting in the normal queue.
func (s *socket) SendUrgent(v any) error {
	return s.enqueue(s.urgent, v)
}

// Close is safe to call any number of times, including after the peer has
// already closed the connection.
func (s *socket) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Close on already closed connection", zap.Error(err))
		}
	})
}

func (s *socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *socket) enqueue(ch chan []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if s.closed() {
		return ErrSocketClosed
	}
	select {
	case ch <- data:
		return nil
	case <-s.done:
		return ErrSocketClosed
	}
}

// readPump handles incoming WebSocket messages from the server
func (s *socket) readPump() {
	defer close(s.inbound)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.closed() {
				s.logger.Error("WebSocket read error", zap.Error(err))
			} else {
				s.logger.Debug("WebSocket read loop finished", zap.Error(err))
			}
			s.Close()
			return
		}

		select {
		case s.inbound <- data:
		case <-s.done:
			return
		}
	}
}

// writePump handles outgoing messages to the server
func (s *socket) writePump() {
	for {
		// Keep-alive replies go out before anything already queued.
		select {
		case <-s.done:
			return
		case data := <-s.urgent:
			if !s.write(data) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.done:
			return
		case data := <-s.urgent:
			if !s.write(data) {
				return
			}
		case data := <-s.send:
			if !s.write(data) {
				return
			}
		}
	}
}

func (s *socket) write(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !s.closed() {
			s.logger.Error("WebSocket write error", zap.Error(err))
		}
		s.Close()
		return false
	}
	return true
}
