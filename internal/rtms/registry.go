package rtms

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is the single owner of the per-meeting sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates a new instance of Registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
		now:      time.Now,
	}
}

// StartSession returns the session for meetingUUID, creating it if needed.
// created is false when the meeting already had a session.
func (r *Registry) StartSession(meetingUUID, streamID string) (sess *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[meetingUUID]; ok {
		existing.setStreamID(streamID)
		return existing, false
	}

	sess = newSession(meetingUUID, streamID, r.now().UTC(), r.logger)
	r.sessions[meetingUUID] = sess
	r.logger.Info("Session created",
		zap.String("meeting_uuid", meetingUUID),
		zap.String("rtms_stream_id", streamID),
		zap.String("session_id", sess.ID))
	return sess, true
}

func (r *Registry) Session(meetingUUID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[meetingUUID]
	return sess, ok
}

// EndSession removes the session and releases its resources. It reports
// whether a session existed.
func (r *Registry) EndSession(meetingUUID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[meetingUUID]
	delete(r.sessions, meetingUUID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.close()
	r.logger.Info("Session ended", zap.String("meeting_uuid", meetingUUID))
	return true
}

// Sessions returns all sessions ordered by creation time.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		list = append(list, sess)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].MeetingUUID < list[j].MeetingUUID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll ends every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}
