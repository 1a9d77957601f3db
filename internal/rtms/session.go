package rtms

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rtms-relay/internal/media"
)

// Session holds everything the relay keeps for one meeting. Mutation goes
// through the registry and the socket loops only.
type Session struct {
	ID          string
	MeetingUUID string
	// CreatedAt anchors relative transcript timestamps for this meeting.
	CreatedAt time.Time

	mu                sync.Mutex
	streamID          string
	signaling         *socket
	media             *socket
	signalingState    State
	mediaState        State
	signalingReady    bool
	mediaStarted      bool
	audio             [][]byte
	audioBytes        int
	video             []VideoChunk
	videoBytes        int
	videoWriters      map[string]*os.File
	transcriptLines   int
	handshakeFailures int
	draining          bool
	closed            bool
	logger            *zap.Logger
}

func newSession(meetingUUID, streamID string, now time.Time, logger *zap.Logger) *Session {
	return &Session{
		ID:           uuid.NewString(),
		MeetingUUID:  meetingUUID,
		CreatedAt:    now,
		streamID:     streamID,
		videoWriters: make(map[string]*os.File),
		logger:       logger.With(zap.String("meeting_uuid", meetingUUID)),
	}
}

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

func (s *Session) setStreamID(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if streamID != "" {
		s.streamID = streamID
	}
}

// attach installs sock as the session's socket of the given kind, closing
// any socket it replaces.
func (s *Session) attach(kind SocketKind, sock *socket) error {
	s.mu.Lock()
	if s.closed || s.draining {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var old *socket
	switch kind {
	case SocketSignaling:
		old, s.signaling = s.signaling, sock
		s.signalingReady = false
		s.mediaStarted = false
	case SocketMedia:
		if !s.signalingReady {
			s.mu.Unlock()
			return ErrMediaBeforeSignaling
		}
		old, s.media = s.media, sock
	}
	s.mu.Unlock()

	if old != nil && old != sock {
		old.Close()
	}
	return nil
}

// detach clears the socket slot if it still holds sock.
func (s *Session) detach(kind SocketKind, sock *socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case SocketSignaling:
		if s.signaling == sock {
			s.signaling = nil
			s.signalingReady = false
			s.signalingState = StateClosed
		}
	case SocketMedia:
		if s.media == sock {
			s.media = nil
			s.mediaState = StateClosed
		}
	}
}

func (s *Session) setState(kind SocketKind, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case SocketSignaling:
		s.signalingState = state
	case SocketMedia:
		s.mediaState = state
	}
}

// State returns the current state of the socket of the given kind.
func (s *Session) State(kind SocketKind) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == SocketMedia {
		return s.mediaState
	}
	return s.signalingState
}

// hasLiveSignaling reports whether a signaling socket is attached and open.
func (s *Session) hasLiveSignaling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.signaling != nil && !s.signaling.closed()
}

// markSignalingEstablished reports true the first time it is called for the
// current signaling socket, so media is started exactly once.
func (s *Session) markSignalingEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalingReady = true
	s.signalingState = StateEstablished
	if s.mediaStarted {
		return false
	}
	s.mediaStarted = true
	return true
}

// sendSignaling queues v on the session's signaling socket.
func (s *Session) sendSignaling(v any) error {
	s.mu.Lock()
	sock := s.signaling
	s.mu.Unlock()
	if sock == nil {
		return ErrSocketClosed
	}
	return sock.Send(v)
}

func (s *Session) recordHandshakeFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakeFailures++
}

func (s *Session) recordTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptLines++
}

// acceptsMedia reports whether the session still takes new media.
func (s *Session) acceptsMedia() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.draining
}

func (s *Session) appendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.draining {
		return ErrSessionClosed
	}
	s.audio = append(s.audio, chunk)
	s.audioBytes += len(chunk)
	return nil
}

// appendVideo buffers chunk and appends it to the sender's raw video file at
// path, opening the file on first use.
func (s *Session) appendVideo(chunk VideoChunk, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.draining {
		return ErrSessionClosed
	}
	s.video = append(s.video, chunk)
	s.videoBytes += len(chunk.Data)

	key := media.SanitizeFileName(chunk.UserName)
	w, ok := s.videoWriters[key]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create user video directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open user video file: %w", err)
		}
		s.videoWriters[key] = f
		w = f
	}
	if _, err := w.Write(chunk.Data); err != nil {
		return fmt.Errorf("failed to write user video chunk: %w", err)
	}
	return nil
}

// drain marks the session as draining, closes the per-user writers and
// hands back the buffered media. Later appends are rejected.
func (s *Session) drain() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true

	snap := Snapshot{
		Audio:       bytes.Join(s.audio, nil),
		AudioChunks: len(s.audio),
		VideoChunks: s.video,
	}
	frames := make([][]byte, 0, len(s.video))
	for _, c := range s.video {
		frames = append(frames, c.Data)
	}
	snap.Video = bytes.Join(frames, nil)

	s.closeWritersLocked()
	s.audio, s.audioBytes = nil, 0
	s.video, s.videoBytes = nil, 0
	return snap
}

// close releases sockets and writers. Safe to call more than once.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.draining = true
	signaling, mediaSock := s.signaling, s.media
	s.signaling, s.media = nil, nil
	s.signalingReady = false
	s.signalingState, s.mediaState = StateClosed, StateClosed
	s.closeWritersLocked()
	s.audio, s.video = nil, nil
	s.mu.Unlock()

	for _, sock := range []*socket{signaling, mediaSock} {
		if sock != nil {
			sock.Close()
		}
	}
}

func (s *Session) closeWritersLocked() {
	for key, w := range s.videoWriters {
		if err := w.Close(); err != nil {
			s.logger.Warn("Failed to close user video file", zap.String("user", key), zap.Error(err))
		}
		delete(s.videoWriters, key)
	}
}

// Stats returns a snapshot of the session for the API.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	writers := make([]string, 0, len(s.videoWriters))
	for key := range s.videoWriters {
		writers = append(writers, key)
	}
	sort.Strings(writers)

	return SessionStats{
		ID:                s.ID,
		MeetingUUID:       s.MeetingUUID,
		StreamID:          s.streamID,
		CreatedAt:         s.CreatedAt,
		SignalingState:    s.signalingState.String(),
		MediaState:        s.mediaState.String(),
		AudioChunks:       len(s.audio),
		AudioBytes:        s.audioBytes,
		VideoChunks:       len(s.video),
		VideoBytes:        s.videoBytes,
		TranscriptLines:   s.transcriptLines,
		VideoWriters:      writers,
		HandshakeFailures: s.handshakeFailures,
		Draining:          s.draining,
	}
}
