package rtms

import "time"

// Relay defaults
const (
	// DefaultHandshakeTimeout bounds the WebSocket upgrade, not the RTMS handshake
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout is the deadline for a single WebSocket write
	DefaultWriteTimeout = 10 * time.Second

	// DefaultSendBuffer is the number of outbound messages queued per socket
	DefaultSendBuffer = 64

	// UrgentBufferSize is the number of queued keep-alive replies per socket
	UrgentBufferSize = 8

	// InboundBufferSize is the number of received messages queued per socket
	InboundBufferSize = 256

	// DefaultUserName is used for video chunks without a sender
	DefaultUserName = "unknown-user"
)
