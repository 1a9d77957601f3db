package media

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	ffmedia "github.com/xfrr/goffmpeg/media"
	"go.uber.org/zap"
)

// Encoder is the external transcoder. Every call blocks until the encoder
// process has exited.
type Encoder interface {
	// PCMToWAV wraps 16-bit little-endian PCM into a WAV container.
	PCMToWAV(ctx context.Context, in, out string) error
	// H264ToMP4 re-encodes a whole-meeting Annex-B stream at a fixed input rate.
	H264ToMP4(ctx context.Context, in, out string) error
	// TranscodeH264 re-encodes a per-user stream to constant frame rate MP4.
	TranscodeH264(ctx context.Context, in, out string) error
}

type FFmpegOptions struct {
	Path          string
	SampleRate    int
	Channels      int
	FrameRate     float64
	UserFrameRate int
}

// FFmpeg runs ffmpeg as a subprocess.
type FFmpeg struct {
	opts   FFmpegOptions
	logger *zap.Logger
}

func NewFFmpeg(opts FFmpegOptions, logger *zap.Logger) *FFmpeg {
	if opts.Path == "" {
		opts.Path = "ffmpeg"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels == 0 {
		opts.Channels = 1
	}
	if opts.FrameRate == 0 {
		opts.FrameRate = 5.8
	}
	if opts.UserFrameRate == 0 {
		opts.UserFrameRate = 9
	}
	return &FFmpeg{opts: opts, logger: logger}
}

// CheckBinaries verifies that the configured ffmpeg can be executed.
func CheckBinaries(ffmpegPath string) error {
	if err := exec.Command(ffmpegPath, "-version").Run(); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	return nil
}

func (f *FFmpeg) WAVArgs(in, out string) []string {
	return []string{
		"-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.opts.SampleRate),
		"-ac", strconv.Itoa(f.opts.Channels),
		"-i", in,
		out,
	}
}

func (f *FFmpeg) MP4Args(in, out string) []string {
	return []string{
		"-y",
		"-framerate", strconv.FormatFloat(f.opts.FrameRate, 'f', -1, 64),
		"-i", in,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		out,
	}
}

func (f *FFmpeg) PCMToWAV(ctx context.Context, in, out string) error {
	return f.run(ctx, "wav", f.WAVArgs(in, out))
}

func (f *FFmpeg) H264ToMP4(ctx context.Context, in, out string) error {
	return f.run(ctx, "mp4", f.MP4Args(in, out))
}

// UserMP4Args builds the per-user transcode command: raw Annex-B input,
// re-encoded to constant frame rate. Options are taken one by one from the
// media file so the command only carries what is set here.
func (f *FFmpeg) UserMP4Args(in, out string) []string {
	file := new(ffmedia.File)
	file.SetRawInputArgs([]string{"-f", "h264"})
	file.SetInputPath(in)
	file.SetVideoCodec("libx264")
	file.SetPreset("medium")
	file.SetCRF(23)
	file.SetPixFmt("yuv420p")
	file.SetRawOutputArgs([]string{"-vsync", "cfr"})
	file.SetFrameRate(f.opts.UserFrameRate)
	file.SetMovFlags("+faststart")
	file.SetOutputPath(out)

	args := []string{"-y"}
	for _, opt := range [][]string{
		file.ObtainRawInputArgs(),
		file.ObtainInputPath(),
		file.ObtainVideoCodec(),
		file.ObtainPreset(),
		file.ObtainCRF(),
		file.ObtainPixFmt(),
		file.ObtainRawOutputArgs(),
		file.ObtainFrameRate(),
		file.ObtainMovFlags(),
		file.ObtainOutputPath(),
	} {
		args = append(args, opt...)
	}
	return args
}

func (f *FFmpeg) TranscodeH264(ctx context.Context, in, out string) error {
	return f.run(ctx, "user-mp4", f.UserMP4Args(in, out))
}

func (f *FFmpeg) run(ctx context.Context, job string, args []string) error {
	cmd := exec.CommandContext(ctx, f.opts.Path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	tail := newTailBuffer(5)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			f.logger.Debug("ffmpeg", zap.String("job", job), zap.String("line", line))
		}
	}()

	// stderr must be drained before Wait closes the pipe.
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w: %s", job, err, tail.String())
	}
	return nil
}

type tailBuffer struct {
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, " | ")
}
