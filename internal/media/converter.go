package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"rtms-relay/internal/livefeed"
)

// Converter flushes accumulated meeting buffers through the Encoder.
type Converter struct {
	layout  Layout
	encoder Encoder
	feed    *livefeed.Feed
	logger  *zap.Logger
	now     func() time.Time
}

func NewConverter(layout Layout, encoder Encoder, feed *livefeed.Feed, logger *zap.Logger) *Converter {
	return &Converter{
		layout:  layout,
		encoder: encoder,
		feed:    feed,
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Converter) Layout() Layout {
	return c.layout
}

// AudioToWAV writes buf as {timestamp}_{meeting}.raw, encodes it to .wav and
// publishes the live copy. The .raw file is removed whether or not encoding
// succeeds.
func (c *Converter) AudioToWAV(ctx context.Context, buf []byte, meetingUUID string) (string, error) {
	dir := c.layout.AudioDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create audio directory: %w", err)
	}

	name := baseName(meetingUUID, FileTimestamp(c.now()))
	rawFile := filepath.Join(dir, name+".raw")
	outFile := filepath.Join(dir, name+".wav")

	if err := os.WriteFile(rawFile, buf, 0644); err != nil {
		return "", fmt.Errorf("failed to write raw audio: %w", err)
	}
	defer func() {
		if err := os.Remove(rawFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to remove raw audio", zap.String("path", rawFile), zap.Error(err))
		}
	}()

	c.logger.Info("Converting audio to WAV", zap.String("meeting_uuid", meetingUUID), zap.Int("bytes", len(buf)))
	if err := c.encoder.PCMToWAV(ctx, rawFile, outFile); err != nil {
		c.logger.Error("WAV conversion failed", zap.String("input", rawFile), zap.Error(err))
		return "", fmt.Errorf("audio conversion failed: %w", err)
	}
	c.logger.Info("WAV file saved", zap.String("path", outFile))

	c.publish(livefeed.AudioWAV, outFile)
	return outFile, nil
}

// VideoToMP4 writes buf as {timestamp}_{meeting}.h264 and encodes it. The
// .h264 file is kept when encoding fails so it can be recovered by hand.
func (c *Converter) VideoToMP4(ctx context.Context, buf []byte, meetingUUID, timestamp string) (string, error) {
	dir := c.layout.VideoDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create video directory: %w", err)
	}

	name := baseName(meetingUUID, timestamp)
	rawFile := filepath.Join(dir, name+".h264")
	outFile := filepath.Join(dir, name+".mp4")

	if err := os.WriteFile(rawFile, buf, 0644); err != nil {
		return "", fmt.Errorf("failed to write raw video: %w", err)
	}
	c.logger.Info("Saved raw H.264", zap.String("path", rawFile), zap.Int("bytes", len(buf)))

	if err := c.encodeVideo(ctx, rawFile, outFile, c.encoder.H264ToMP4); err != nil {
		return "", err
	}

	c.publish(livefeed.VideoMP4, outFile)
	return outFile, nil
}

// ConvertUserVideos encodes every per-user .h264 stream of the meeting.
// A missing meeting directory is not an error.
func (c *Converter) ConvertUserVideos(ctx context.Context, meetingUUID string) ([]string, error) {
	inputs, err := c.rawVideos(c.layout.UserVideoDir(meetingUUID), "")
	if err != nil {
		return nil, err
	}

	var outputs []string
	var errs []error
	for _, in := range inputs {
		out := strings.TrimSuffix(in, ".h264") + ".mp4"
		c.logger.Info("Converting per-user video", zap.String("input", filepath.Base(in)))
		if err := c.encodeVideo(ctx, in, out, c.encoder.TranscodeH264); err != nil {
			errs = append(errs, err)
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, errors.Join(errs...)
}

// Recover re-runs conversion of every raw video left on disk for a meeting:
// per-user streams and whole-buffer files preserved after a failed encode.
func (c *Converter) Recover(ctx context.Context, meetingUUID string) ([]string, error) {
	outputs, err := c.ConvertUserVideos(ctx, meetingUUID)
	errs := []error{err}

	suffix := "_" + SanitizeFileName(meetingOrDefault(meetingUUID)) + ".h264"
	inputs, listErr := c.rawVideos(c.layout.VideoDir(), suffix)
	if listErr != nil {
		errs = append(errs, listErr)
	}
	for _, in := range inputs {
		out := strings.TrimSuffix(in, ".h264") + ".mp4"
		if err := c.encodeVideo(ctx, in, out, c.encoder.H264ToMP4); err != nil {
			errs = append(errs, err)
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, errors.Join(errs...)
}

func (c *Converter) encodeVideo(ctx context.Context, in, out string, encode func(context.Context, string, string) error) error {
	if err := encode(ctx, in, out); err != nil {
		c.logger.Error("MP4 conversion failed, keeping raw file", zap.String("input", in), zap.Error(err))
		return fmt.Errorf("video conversion of %s failed: %w", filepath.Base(in), err)
	}
	c.logger.Info("MP4 file saved", zap.String("path", out))
	if err := os.Remove(in); err != nil {
		c.logger.Warn("Failed to remove raw video", zap.String("path", in), zap.Error(err))
	}
	return nil
}

func (c *Converter) rawVideos(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".h264") {
			continue
		}
		if suffix != "" && !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (c *Converter) publish(a livefeed.Artifact, src string) {
	if c.feed == nil {
		return
	}
	if err := c.feed.Publish(a, src); err != nil {
		c.logger.Warn("Failed to publish live artifact", zap.String("artifact", string(a)), zap.Error(err))
	}
}
