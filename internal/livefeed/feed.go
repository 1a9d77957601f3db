// Package livefeed maintains the fixed-name "current" files a polling
// frontend reads while a meeting is in progress.
package livefeed

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Artifact is a live file path relative to the feed directory.
type Artifact string

const (
	AudioRaw   Artifact = "audio/audio.raw"
	AudioWAV   Artifact = "audio/audio.wav"
	VideoFrame Artifact = "video/current-frame.txt"
	VideoMP4   Artifact = "video/video.mp4"
	Transcript Artifact = "transcript/transcript.txt"
	RawPreview Artifact = "transcript/raw.txt"
)

// Feed writes live artifacts. It is shared by all meetings.
type Feed struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

func New(dir string, logger *zap.Logger) (*Feed, error) {
	for _, sub := range []string{"audio", "video", "transcript"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create live directory: %w", err)
		}
	}
	return &Feed{dir: dir, logger: logger}, nil
}

func (f *Feed) Dir() string {
	return f.dir
}

func (f *Feed) Path(a Artifact) string {
	return filepath.Join(f.dir, filepath.FromSlash(string(a)))
}

// AppendAudio appends raw PCM to the growing live audio file.
func (f *Feed) AppendAudio(chunk []byte) error {
	return f.appendTo(AudioRaw, chunk)
}

// WriteFrame replaces the current frame with the base64 form of chunk.
// Last write wins.
func (f *Feed) WriteFrame(chunk []byte) error {
	encoded := base64.StdEncoding.EncodeToString(chunk)
	return f.replace(VideoFrame, func(w io.Writer) error {
		_, err := io.WriteString(w, encoded)
		return err
	})
}

func (f *Feed) AppendTranscript(line string) error {
	return f.appendTo(Transcript, []byte(line))
}

func (f *Feed) AppendRawPreview(line string) error {
	return f.appendTo(RawPreview, []byte(line))
}

// Publish copies a finished artifact (wav, mp4) over the live copy.
func (f *Feed) Publish(a Artifact, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := f.replace(a, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	}); err != nil {
		return err
	}
	f.logger.Debug("Published live artifact", zap.String("artifact", string(a)), zap.String("source", src))
	return nil
}

func (f *Feed) appendTo(a Artifact, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.Path(a), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", a, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to append to %s: %w", a, err)
	}
	return file.Close()
}

// replace writes through a temp file and renames it into place so pollers
// never observe a partially written file.
func (f *Feed) replace(a Artifact, write func(io.Writer) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.Path(a)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".live-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", a, err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", a, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", a, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", a, err)
	}
	return nil
}
