package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rtms-relay/internal/rtms"
	"rtms-relay/internal/version"
)

// handleHealth reports liveness and the number of open sessions
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"sessions":  s.registry.Len(),
		"version":   version.Version,
	})
}

// handleListSessions returns a list of all active meeting sessions
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.registry.Sessions()

	stats := make([]rtms.SessionStats, 0, len(sessions))
	for _, sess := range sessions {
		stats = append(stats, sess.Stats())
	}

	c.JSON(http.StatusOK, gin.H{"sessions": stats})
}

// handleGetSession returns the state of one meeting session
func (s *Server) handleGetSession(c *gin.Context) {
	meetingUUID := c.Param("meetingUuid")

	sess, exists := s.registry.Session(meetingUUID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	c.JSON(http.StatusOK, sess.Stats())
}
