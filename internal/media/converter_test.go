package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtms-relay/internal/livefeed"
)

type encodeCall struct {
	Kind  string
	In    string
	Out   string
	Input []byte
}

// fakeEncoder copies input to output unless fail is set.
type fakeEncoder struct {
	mu    sync.Mutex
	calls []encodeCall
	fail  error
}

func (f *fakeEncoder) record(kind, in, out string) error {
	data, _ := os.ReadFile(in)
	f.mu.Lock()
	f.calls = append(f.calls, encodeCall{Kind: kind, In: in, Out: out, Input: data})
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	return os.WriteFile(out, data, 0644)
}

func (f *fakeEncoder) PCMToWAV(_ context.Context, in, out string) error {
	return f.record("wav", in, out)
}

func (f *fakeEncoder) H264ToMP4(_ context.Context, in, out string) error {
	return f.record("mp4", in, out)
}

func (f *fakeEncoder) TranscodeH264(_ context.Context, in, out string) error {
	return f.record("user-mp4", in, out)
}

func newTestConverter(t *testing.T, enc Encoder) (*Converter, *livefeed.Feed) {
	t.Helper()
	feed, err := livefeed.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	c := NewConverter(Layout{Root: t.TempDir()}, enc, feed, zap.NewNop())
	c.now = func() time.Time { return time.Date(2025, 5, 15, 13, 42, 21, 123e6, time.UTC) }
	return c, feed
}

func TestAudioToWAV(t *testing.T) {
	enc := &fakeEncoder{}
	c, feed := newTestConverter(t, enc)

	out, err := c.AudioToWAV(context.Background(), []byte{1, 2, 3, 4}, "abc/123==")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(c.layout.AudioDir(), "2025-05-15T13-42-21-123Z_abc_123__.wav"), out)
	require.Len(t, enc.calls, 1)
	assert.Equal(t, "wav", enc.calls[0].Kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, enc.calls[0].Input)
	assert.NoFileExists(t, enc.calls[0].In)
	assert.FileExists(t, feed.Path(livefeed.AudioWAV))
}

func TestAudioToWAVRemovesRawOnFailure(t *testing.T) {
	enc := &fakeEncoder{fail: errors.New("exit status 1")}
	c, feed := newTestConverter(t, enc)

	_, err := c.AudioToWAV(context.Background(), []byte{1}, "m")
	require.Error(t, err)
	require.Len(t, enc.calls, 1)
	assert.NoFileExists(t, enc.calls[0].In)
	assert.NoFileExists(t, feed.Path(livefeed.AudioWAV))
}

func TestVideoToMP4(t *testing.T) {
	enc := &fakeEncoder{}
	c, feed := newTestConverter(t, enc)

	out, err := c.VideoToMP4(context.Background(), []byte("h264"), "m-1", "ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.layout.VideoDir(), "ts_m_1.mp4"), out)
	assert.NoFileExists(t, filepath.Join(c.layout.VideoDir(), "ts_m_1.h264"))
	assert.FileExists(t, feed.Path(livefeed.VideoMP4))
}

func TestVideoToMP4KeepsRawOnFailure(t *testing.T) {
	enc := &fakeEncoder{fail: errors.New("boom")}
	c, _ := newTestConverter(t, enc)

	_, err := c.VideoToMP4(context.Background(), []byte("h264"), "m-1", "ts")
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(c.layout.VideoDir(), "ts_m_1.h264"))
}

func TestConvertUserVideos(t *testing.T) {
	enc := &fakeEncoder{}
	c, _ := newTestConverter(t, enc)

	outputs, err := c.ConvertUserVideos(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, outputs)

	dir := c.layout.UserVideoDir("meet")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Ann.h264"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Bob.h264"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	outputs, err = c.ConvertUserVideos(context.Background(), "meet")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "Ann.mp4"), filepath.Join(dir, "Bob.mp4")}, outputs)
	assert.NoFileExists(t, filepath.Join(dir, "Ann.h264"))
	for _, call := range enc.calls {
		assert.Equal(t, "user-mp4", call.Kind)
	}
}

func TestConvertUserVideosKeepsSourceOnFailure(t *testing.T) {
	enc := &fakeEncoder{fail: errors.New("boom")}
	c, _ := newTestConverter(t, enc)

	dir := c.layout.UserVideoDir("meet")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Ann.h264"), []byte("a"), 0644))

	outputs, err := c.ConvertUserVideos(context.Background(), "meet")
	assert.Error(t, err)
	assert.Empty(t, outputs)
	assert.FileExists(t, filepath.Join(dir, "Ann.h264"))
}

func TestRecover(t *testing.T) {
	enc := &fakeEncoder{}
	c, _ := newTestConverter(t, enc)

	require.NoError(t, c.layout.Ensure())
	leftover := filepath.Join(c.layout.VideoDir(), "2025-01-01T00-00-00-000Z_meet.h264")
	other := filepath.Join(c.layout.VideoDir(), "2025-01-01T00-00-00-000Z_other.h264")
	require.NoError(t, os.WriteFile(leftover, []byte("v"), 0644))
	require.NoError(t, os.WriteFile(other, []byte("v"), 0644))

	outputs, err := c.Recover(context.Background(), "meet")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(c.layout.VideoDir(), "2025-01-01T00-00-00-000Z_meet.mp4")}, outputs)
	assert.FileExists(t, other)
}
