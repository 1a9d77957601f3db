package media

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtms-relay/internal/livefeed"
)

// Values above this are Unix epoch milliseconds (after 2001-09-09);
// anything smaller is an offset from the session start.
const absoluteTimestampThreshold = 1_000_000_000_000

const hexPreviewBytes = 50

// IsAbsoluteTimestamp reports whether ms looks like epoch milliseconds.
func IsAbsoluteTimestamp(ms int64) bool {
	return ms > absoluteTimestampThreshold
}

// ResolveTimestamp turns a transcript timestamp into wall time.
func ResolveTimestamp(ms int64, epoch time.Time) time.Time {
	if IsAbsoluteTimestamp(ms) {
		return time.UnixMilli(ms).UTC()
	}
	return epoch.Add(time.Duration(ms) * time.Millisecond).UTC()
}

func FormatTranscriptLine(at time.Time, userName, text string) string {
	return fmt.Sprintf("[%s] %s: %s\n", at.UTC().Format("2006-01-02T15:04:05.000Z"), userName, text)
}

// HexPreview renders up to limit bytes as space separated hex.
func HexPreview(raw []byte, limit int) string {
	n := len(raw)
	if n > limit {
		n = limit
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%02x", raw[i])
	}
	s := strings.Join(parts, " ")
	if len(raw) > limit {
		s += fmt.Sprintf(" ... (+%d more bytes)", len(raw)-limit)
	}
	return s
}

type TranscriptEntry struct {
	MeetingUUID string
	UserName    string
	// Timestamp is either epoch milliseconds or an offset in milliseconds.
	Timestamp int64
	Text      string
	Raw       []byte
	// Epoch anchors relative timestamps. Zero falls back to the
	// process-wide epoch.
	Epoch time.Time
}

// TranscriptWriter appends formatted lines to the archival transcript, the
// live transcript and the raw preview.
type TranscriptWriter struct {
	layout Layout
	feed   *livefeed.Feed
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	fallbackEpoch time.Time
}

func NewTranscriptWriter(layout Layout, feed *livefeed.Feed, logger *zap.Logger) *TranscriptWriter {
	return &TranscriptWriter{layout: layout, feed: feed, logger: logger, now: time.Now}
}

// Write returns the archival file the line was appended to.
func (w *TranscriptWriter) Write(e TranscriptEntry) (string, error) {
	epoch := e.Epoch
	if epoch.IsZero() && !IsAbsoluteTimestamp(e.Timestamp) {
		epoch = w.processEpoch()
	}
	at := ResolveTimestamp(e.Timestamp, epoch)

	userName := e.UserName
	if userName == "" {
		userName = unknownUser
	}
	line := FormatTranscriptLine(at, userName, e.Text)

	if err := os.MkdirAll(w.layout.TranscriptDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create transcript directory: %w", err)
	}
	path := w.layout.TranscriptPath(e.MeetingUUID, w.now())

	w.mu.Lock()
	err := appendFile(path, line)
	w.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to append transcript: %w", err)
	}

	if w.feed != nil {
		if err := w.feed.AppendTranscript(line); err != nil {
			w.logger.Warn("Failed to append live transcript", zap.Error(err))
		}
		preview := fmt.Sprintf("[%s] %s (%d bytes): %s\n",
			at.Format("2006-01-02T15:04:05.000Z"), userName, len(e.Raw), HexPreview(e.Raw, hexPreviewBytes))
		if err := w.feed.AppendRawPreview(preview); err != nil {
			w.logger.Warn("Failed to append raw preview", zap.Error(err))
		}
	}
	return path, nil
}

func (w *TranscriptWriter) processEpoch() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fallbackEpoch.IsZero() {
		w.fallbackEpoch = w.now()
		w.logger.Info("Transcript epoch not set, using now", zap.Time("epoch", w.fallbackEpoch))
	}
	return w.fallbackEpoch
}

func appendFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
