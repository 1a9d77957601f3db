package rtms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtms-relay/internal/livefeed"
	"rtms-relay/internal/media"
	"rtms-relay/internal/protocol"
)

// fakeConn is an in-memory Conn. Messages pushed to it are returned by
// ReadMessage; messages written by the relay are recorded.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	if raw, ok := v.(string); ok {
		c.in <- []byte(raw)
		return
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, raw := range c.written {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) raw() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, r := range c.written {
		out = append(out, string(r))
	}
	return out
}

// msgTypes returns the msg_type of every message written so far.
func (c *fakeConn) msgTypes() []int {
	var types []int
	for _, m := range c.messages() {
		if v, ok := m["msg_type"].(float64); ok {
			types = append(types, int(v))
		}
	}
	return types
}

// fakeDialer hands out a fresh fakeConn per URL and records every dial.
type fakeDialer struct {
	mu     sync.Mutex
	conns  map[string][]*fakeConn
	dialed []string
	fail   map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string][]*fakeConn), fail: make(map[string]error)}
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, rawURL)
	if err := d.fail[rawURL]; err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.conns[rawURL] = append(d.conns[rawURL], c)
	return c, nil
}

func (d *fakeDialer) dialCount(rawURL string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, u := range d.dialed {
		if u == rawURL {
			n++
		}
	}
	return n
}

func (d *fakeDialer) conn(rawURL string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.conns[rawURL]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type encodeCall struct {
	Kind  string
	Input []byte
}

// copyEncoder copies input to output and records each call.
type copyEncoder struct {
	mu    sync.Mutex
	calls []encodeCall
}

func (e *copyEncoder) record(kind, in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.calls = append(e.calls, encodeCall{Kind: kind, Input: data})
	e.mu.Unlock()
	return os.WriteFile(out, data, 0644)
}

func (e *copyEncoder) PCMToWAV(_ context.Context, in, out string) error {
	return e.record("wav", in, out)
}

func (e *copyEncoder) H264ToMP4(_ context.Context, in, out string) error {
	return e.record("mp4", in, out)
}

func (e *copyEncoder) TranscodeH264(_ context.Context, in, out string) error {
	return e.record("user-mp4", in, out)
}

func (e *copyEncoder) callsOf(kind string) []encodeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []encodeCall
	for _, c := range e.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type recordingArchiver struct {
	mu    sync.Mutex
	files map[string][]string
}

func (a *recordingArchiver) Archive(_ context.Context, meetingUUID string, files []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.files == nil {
		a.files = make(map[string][]string)
	}
	a.files[meetingUUID] = append(a.files[meetingUUID], files...)
	return nil
}

const (
	testClientID     = "client-id"
	testClientSecret = "client-secret"
	signalingURL     = "wss://signaling.example/ws"
	mediaURL         = "wss://media.example/ws"
)

type testRelay struct {
	*Relay
	dialer  *fakeDialer
	encoder *copyEncoder
	feed    *livefeed.Feed
	layout  media.Layout
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	logger := zap.NewNop()
	feed, err := livefeed.New(t.TempDir(), logger)
	require.NoError(t, err)
	layout := media.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Ensure())

	enc := &copyEncoder{}
	dialer := newFakeDialer()
	r := NewRelay(Params{
		Signer:      protocol.NewSigner(testClientID, testClientSecret),
		Dialer:      dialer,
		Converter:   media.NewConverter(layout, enc, feed, logger),
		Transcripts: media.NewTranscriptWriter(layout, feed, logger),
		Feed:        feed,
		Logger:      logger,
	})
	r.sequence = func() uint32 { return 42 }

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return &testRelay{Relay: r, dialer: dialer, encoder: enc, feed: feed, layout: layout}
}

func handshakeResponse(status int, url string) map[string]any {
	msg := map[string]any{"msg_type": 2, "status_code": status}
	if url != "" {
		msg["media_server"] = map[string]any{"server_urls": map[string]any{"all": url}}
	}
	return msg
}

func mediaMessage(msgType protocol.MsgType, data []byte, user string, ts any) string {
	content := map[string]any{"data": data}
	if user != "" {
		content["user_name"] = user
	}
	if ts != nil {
		content["timestamp"] = ts
	}
	raw, _ := json.Marshal(map[string]any{"msg_type": int(msgType), "content": content})
	return string(raw)
}

func (tr *testRelay) waitConn(t *testing.T, url string) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		c = tr.dialer.conn(url)
		return c != nil
	}, 2*time.Second, 5*time.Millisecond, fmt.Sprintf("no dial to %s", url))
	return c
}

// establish runs both handshakes for meetingUUID and returns the signaling
// and media connections.
func (tr *testRelay) establish(t *testing.T, meetingUUID string) (*fakeConn, *fakeConn) {
	t.Helper()
	_, err := tr.Start(meetingUUID, "stream-1", signalingURL)
	require.NoError(t, err)

	sig := tr.waitConn(t, signalingURL)
	require.Eventually(t, func() bool { return len(sig.msgTypes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sig.push(t, handshakeResponse(0, mediaURL))

	med := tr.waitConn(t, mediaURL)
	require.Eventually(t, func() bool { return len(med.msgTypes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	med.push(t, map[string]any{"msg_type": 4, "status_code": 0})

	require.Eventually(t, func() bool {
		types := sig.msgTypes()
		return len(types) == 2 && types[1] == int(protocol.ClientReadyAck)
	}, 2*time.Second, 5*time.Millisecond)
	return sig, med
}
