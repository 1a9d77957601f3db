// Package webhook receives the RTMS webhook events and routes them to the
// relay.
package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rtms-relay/internal/protocol"
	"rtms-relay/internal/rtms"
)

// Webhook event names
const (
	EventURLValidation = "endpoint.url_validation"
	EventRTMSStarted   = "meeting.rtms_started"
	EventRTMSStopped   = "meeting.rtms_stopped"
)

// Lifecycle is the part of the relay the dispatcher drives.
type Lifecycle interface {
	Start(meetingUUID, streamID, signalingURL string) (*rtms.Session, error)
	StopAsync(meetingUUID string)
}

type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type URLValidationPayload struct {
	PlainToken string `json:"plainToken"`
}

type RTMSPayload struct {
	MeetingUUID  string           `json:"meeting_uuid"`
	RTMSStreamID string           `json:"rtms_stream_id"`
	ServerURLs   protocol.URLList `json:"server_urls"`
}

type Options struct {
	SecretToken     string
	VerifySignature bool
}

type Dispatcher struct {
	relay  Lifecycle
	opts   Options
	logger *zap.Logger
}

func NewDispatcher(relay Lifecycle, opts Options, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{relay: relay, opts: opts, logger: logger}
}

// Handle is the gin handler for the webhook endpoint.
func (d *Dispatcher) Handle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if d.opts.VerifySignature {
		err := VerifySignature(d.opts.SecretToken,
			c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature), body)
		if err != nil {
			d.logger.Warn("Webhook signature rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		d.logger.Warn("Malformed webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	d.logger.Info("Webhook received", zap.String("event", event.Event))

	switch event.Event {
	case EventURLValidation:
		d.handleURLValidation(c, event.Payload)
	case EventRTMSStarted:
		d.handleStarted(c, event.Payload)
	case EventRTMSStopped:
		d.handleStopped(c, event.Payload)
	default:
		c.Status(http.StatusOK)
	}
}

// handleURLValidation answers Zoom's endpoint ownership challenge
func (d *Dispatcher) handleURLValidation(c *gin.Context, raw json.RawMessage) {
	var payload URLValidationPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
			return
		}
	}
	if payload.PlainToken == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	d.logger.Info("Responding to URL validation challenge")
	c.JSON(http.StatusOK, gin.H{
		"plainToken":     payload.PlainToken,
		"encryptedToken": EncryptToken(d.opts.SecretToken, payload.PlainToken),
	})
}

// handleStarted connects to the signaling server for the meeting
func (d *Dispatcher) handleStarted(c *gin.Context, raw json.RawMessage) {
	payload, ok := d.bindRTMSPayload(c, raw)
	if !ok {
		return
	}
	url := payload.ServerURLs.First()
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_urls is required"})
		return
	}

	sess, err := d.relay.Start(payload.MeetingUUID, payload.RTMSStreamID, url)
	if err != nil {
		d.logger.Error("Failed to start session",
			zap.String("meeting_uuid", payload.MeetingUUID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "RTMS session started",
		"meeting_uuid": payload.MeetingUUID,
		"session_id":   sess.ID,
	})
}

// handleStopped acknowledges immediately and flushes in the background
func (d *Dispatcher) handleStopped(c *gin.Context, raw json.RawMessage) {
	payload, ok := d.bindRTMSPayload(c, raw)
	if !ok {
		return
	}

	d.relay.StopAsync(payload.MeetingUUID)
	c.JSON(http.StatusOK, gin.H{
		"message":      "RTMS session stopping",
		"meeting_uuid": payload.MeetingUUID,
	})
}

func (d *Dispatcher) bindRTMSPayload(c *gin.Context, raw json.RawMessage) (RTMSPayload, bool) {
	var payload RTMSPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
			return payload, false
		}
	}
	if payload.MeetingUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meeting_uuid is required"})
		return payload, false
	}
	return payload, true
}
