package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtms-relay/internal/livefeed"
	"rtms-relay/internal/media"
	"rtms-relay/internal/protocol"
	"rtms-relay/internal/rtms"
)

type startCall struct {
	MeetingUUID, StreamID, URL string
}

type fakeLifecycle struct {
	mu      sync.Mutex
	starts  []startCall
	stops   []string
	failErr error
}

func (f *fakeLifecycle) Start(meetingUUID, streamID, url string) (*rtms.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.starts = append(f.starts, startCall{meetingUUID, streamID, url})
	return &rtms.Session{ID: "sess-1", MeetingUUID: meetingUUID}, nil
}

func (f *fakeLifecycle) StopAsync(meetingUUID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, meetingUUID)
}

func newRouter(d *Dispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/rtms", d.Handle)
	return r
}

func post(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/rtms", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestURLValidation(t *testing.T) {
	d := NewDispatcher(&fakeLifecycle{}, Options{SecretToken: "sekret"}, zap.NewNop())
	r := newRouter(d)

	w := post(r, `{"event":"endpoint.url_validation","payload":{"plainToken":"tok"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tok", resp["plainToken"])
	assert.Equal(t, "4ec5885ded96233acab8144fa72f78a55bbddbf680ddb4f4aac00cb2c8350e46", resp["encryptedToken"])
}

func TestURLValidationMissingToken(t *testing.T) {
	r := newRouter(NewDispatcher(&fakeLifecycle{}, Options{SecretToken: "sekret"}, zap.NewNop()))

	assert.Equal(t, http.StatusBadRequest, post(r, `{"event":"endpoint.url_validation","payload":{}}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, `{"event":"endpoint.url_validation"}`, nil).Code)
}

func TestRTMSStarted(t *testing.T) {
	relay := &fakeLifecycle{}
	r := newRouter(NewDispatcher(relay, Options{}, zap.NewNop()))

	w := post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"abc-123","rtms_stream_id":"s1","server_urls":"wss://sig"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sess-1")

	w = post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"def","rtms_stream_id":"s2","server_urls":["wss://a","wss://b"]}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []startCall{
		{"abc-123", "s1", "wss://sig"},
		{"def", "s2", "wss://a"},
	}, relay.starts)
}

func TestRTMSStartedInvalid(t *testing.T) {
	relay := &fakeLifecycle{}
	r := newRouter(NewDispatcher(relay, Options{}, zap.NewNop()))

	assert.Equal(t, http.StatusBadRequest, post(r, `{"event":"meeting.rtms_started","payload":{"rtms_stream_id":"s1","server_urls":"wss://sig"}}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m"}}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, `not json`, nil).Code)
	assert.Empty(t, relay.starts)

	relay.failErr = assert.AnError
	assert.Equal(t, http.StatusServiceUnavailable, post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m","server_urls":"wss://sig"}}`, nil).Code)
}

func TestRTMSStopped(t *testing.T) {
	relay := &fakeLifecycle{}
	r := newRouter(NewDispatcher(relay, Options{}, zap.NewNop()))

	w := post(r, `{"event":"meeting.rtms_stopped","payload":{"meeting_uuid":"abc-123","rtms_stream_id":"s1"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"abc-123"}, relay.stops)
}

func TestUnknownEventAcknowledged(t *testing.T) {
	relay := &fakeLifecycle{}
	r := newRouter(NewDispatcher(relay, Options{}, zap.NewNop()))

	w := post(r, `{"event":"meeting.participant_joined","payload":{"meeting_uuid":"abc"}}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, relay.starts)
	assert.Empty(t, relay.stops)
}

func TestSignatureVerification(t *testing.T) {
	r := newRouter(NewDispatcher(&fakeLifecycle{}, Options{SecretToken: "sekret", VerifySignature: true}, zap.NewNop()))
	body := `{"event":"x"}`

	assert.Equal(t, "v0=0b985255b2769553e2e8c5739041ac06051915f15c47134902d9532945b4e93d",
		ExpectedSignature("sekret", "1700000000", []byte(body)))

	w := post(r, body, map[string]string{
		HeaderTimestamp: "1700000000",
		HeaderSignature: ExpectedSignature("sekret", "1700000000", []byte(body)),
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(r, body, map[string]string{HeaderTimestamp: "1700000000", HeaderSignature: "v0=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifySignatureErrors(t *testing.T) {
	assert.ErrorIs(t, VerifySignature("s", "", "v0=x", nil), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("s", "1", "v0=x", nil), ErrInvalidSignature)
	assert.NoError(t, VerifySignature("s", "1", ExpectedSignature("s", "1", []byte("b")), []byte("b")))
}

// TestStartedEndToEnd drives a real relay against a WebSocket signaling
// server and checks the handshake it receives.
func TestStartedEndToEnd(t *testing.T) {
	received := make(chan []byte, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	defer srv.Close()

	logger := zap.NewNop()
	feed, err := livefeed.New(t.TempDir(), logger)
	require.NoError(t, err)
	layout := media.Layout{Root: t.TempDir()}
	relay := rtms.NewRelay(rtms.Params{
		Signer:      protocol.NewSigner("cid", "csecret"),
		Dialer:      rtms.NewWSDialer(time.Second, false),
		Converter:   media.NewConverter(layout, media.NewFFmpeg(media.FFmpegOptions{}, logger), feed, logger),
		Transcripts: media.NewTranscriptWriter(layout, feed, logger),
		Feed:        feed,
		Logger:      logger,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		relay.Shutdown(ctx)
	}()

	r := newRouter(NewDispatcher(relay, Options{SecretToken: "sekret"}, logger))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	w := post(r, `{"event":"meeting.rtms_started","payload":{"meeting_uuid":"abc-123","rtms_stream_id":"s1","server_urls":"`+wsURL+`"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case data := <-received:
		var msg protocol.SignalingHandshakeRequest
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, protocol.SignalingHandshakeReq, msg.MsgType)
		assert.Equal(t, "abc-123", msg.MeetingUUID)
		assert.Equal(t, protocol.Sign("abc-123", "s1", "cid", "csecret"), msg.Signature)
	case <-time.After(3 * time.Second):
		t.Fatal("signaling server received no handshake")
	}

	// Stopping a meeting with nothing buffered needs no encoder.
	w = post(r, `{"event":"meeting.rtms_stopped","payload":{"meeting_uuid":"abc-123"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	relay.WaitFlushes()
	assert.Equal(t, 0, relay.Registry().Len())
}
