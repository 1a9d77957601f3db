package rtms

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionClosed        = errors.New("session closed")
	ErrSessionDraining      = errors.New("session is being flushed")
	ErrMediaBeforeSignaling = errors.New("media socket requires an established signaling handshake")
	ErrSocketClosed         = errors.New("socket closed")
)

// Conn is the subset of *websocket.Conn the relay uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the signaling and media connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	dialer *websocket.Dialer
}

func NewWSDialer(handshakeTimeout time.Duration, insecureSkipVerify bool) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	d := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}
	if insecureSkipVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &WSDialer{dialer: d}
}

func (d *WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", rawURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	return conn, nil
}

// SocketKind names one of the two sockets of a session.
type SocketKind string

const (
	SocketSignaling SocketKind = "signaling"
	SocketMedia     SocketKind = "media"
)

// State is the lifecycle state of a signaling or media socket.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHandshake
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// VideoChunk is one received H.264 payload.
type VideoChunk struct {
	Data       []byte
	UserName   string
	ReceivedAt time.Time
}

// Snapshot is the drained content of a session's buffers.
type Snapshot struct {
	Audio       []byte
	Video       []byte
	AudioChunks int
	VideoChunks []VideoChunk
}

// SessionStats is a point-in-time view of a session.
type SessionStats struct {
	ID                string    `json:"id"`
	MeetingUUID       string    `json:"meeting_uuid"`
	StreamID          string    `json:"rtms_stream_id"`
	CreatedAt         time.Time `json:"created_at"`
	SignalingState    string    `json:"signaling_state"`
	MediaState        string    `json:"media_state"`
	AudioChunks       int       `json:"audio_chunks"`
	AudioBytes        int       `json:"audio_bytes"`
	VideoChunks       int       `json:"video_chunks"`
	VideoBytes        int       `json:"video_bytes"`
	TranscriptLines   int       `json:"transcript_lines"`
	VideoWriters      []string  `json:"video_writers"`
	HandshakeFailures int       `json:"handshake_failures"`
	Draining          bool      `json:"draining"`
}

// FlushResult lists what a stop event produced.
type FlushResult struct {
	MeetingUUID string   `json:"meeting_uuid"`
	AudioFile   string   `json:"audio_file,omitempty"`
	VideoFile   string   `json:"video_file,omitempty"`
	UserVideos  []string `json:"user_videos,omitempty"`
	Transcripts []string `json:"transcripts,omitempty"`
	Archived    bool     `json:"archived"`
}

func (r *FlushResult) Files() []string {
	var files []string
	for _, f := range []string{r.AudioFile, r.VideoFile} {
		if f != "" {
			files = append(files, f)
		}
	}
	files = append(files, r.UserVideos...)
	return append(files, r.Transcripts...)
}

// Archiver copies flushed artifacts to durable storage.
type Archiver interface {
	Archive(ctx context.Context, meetingUUID string, files []string) error
}
