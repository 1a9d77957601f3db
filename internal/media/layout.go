// Package media turns accumulated RTMS payloads into playable and readable
// artifacts: WAV audio, MP4 video and transcript text files.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	transcriptDay  = "2006-01-02"
	unknownMeeting = "unknown_meeting"
	unknownUser    = "unknown-user"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// SanitizeFileName replaces every character outside [A-Za-z0-9] with '_'.
func SanitizeFileName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// FileTimestamp renders t like an ISO-8601 instant with ':' and '.'
// replaced, e.g. 2025-05-15T13-42-21-123Z.
func FileTimestamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}

// Layout maps meetings onto the archival directory tree.
type Layout struct {
	Root string
}

func (l Layout) AudioDir() string      { return filepath.Join(l.Root, "audio") }
func (l Layout) VideoDir() string      { return filepath.Join(l.Root, "video") }
func (l Layout) TranscriptDir() string { return filepath.Join(l.Root, "transcript") }

// UserVideoDir holds the per-user raw H.264 streams of one meeting.
func (l Layout) UserVideoDir(meetingUUID string) string {
	return filepath.Join(l.VideoDir(), SanitizeFileName(meetingOrDefault(meetingUUID)))
}

func (l Layout) UserVideoPath(meetingUUID, userName string) string {
	if userName == "" {
		userName = unknownUser
	}
	return filepath.Join(l.UserVideoDir(meetingUUID), SanitizeFileName(userName)+".h264")
}

// TranscriptPath is the per-day, per-meeting archival transcript.
func (l Layout) TranscriptPath(meetingUUID string, day time.Time) string {
	name := fmt.Sprintf("%s_%s.txt", day.UTC().Format(transcriptDay), SanitizeFileName(meetingOrDefault(meetingUUID)))
	return filepath.Join(l.TranscriptDir(), name)
}

// TranscriptFiles lists every per-day transcript of a meeting, oldest
// first. A missing transcript directory yields no files.
func (l Layout) TranscriptFiles(meetingUUID string) ([]string, error) {
	entries, err := os.ReadDir(l.TranscriptDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", l.TranscriptDir(), err)
	}

	suffix := "_" + SanitizeFileName(meetingOrDefault(meetingUUID)) + ".txt"
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) != len(transcriptDay)+len(suffix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		if _, err := time.Parse(transcriptDay, name[:len(transcriptDay)]); err != nil {
			continue
		}
		files = append(files, filepath.Join(l.TranscriptDir(), name))
	}
	return files, nil
}

// Ensure creates the top-level directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.AudioDir(), l.VideoDir(), l.TranscriptDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func meetingOrDefault(meetingUUID string) string {
	if meetingUUID == "" {
		return unknownMeeting
	}
	return meetingUUID
}

func baseName(meetingUUID, timestamp string) string {
	return timestamp + "_" + SanitizeFileName(meetingOrDefault(meetingUUID))
}
