package rtms

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtms-relay/internal/livefeed"
	"rtms-relay/internal/media"
	"rtms-relay/internal/protocol"
)

// Params configures a Relay. Feed and Archiver are optional.
type Params struct {
	Signer       *protocol.Signer
	Dialer       Dialer
	Converter    *media.Converter
	Transcripts  *media.TranscriptWriter
	Feed         *livefeed.Feed
	Archiver     Archiver
	Logger       *zap.Logger
	WriteTimeout time.Duration
	SendBuffer   int
}

// Relay owns the lifecycle of every meeting: it opens the signaling and
// media sockets on start and flushes buffered media on stop.
type Relay struct {
	signer      *protocol.Signer
	dialer      Dialer
	registry    *Registry
	converter   *media.Converter
	transcripts *media.TranscriptWriter
	feed        *livefeed.Feed
	archiver    Archiver
	socketOpts  socketOptions
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// sockets tracks the signaling and media loops, flushes the background
	// stop handlers.
	sockets sync.WaitGroup
	flushes sync.WaitGroup

	now      func() time.Time
	sequence func() uint32
}

func NewRelay(p Params) *Relay {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		signer:      p.Signer,
		dialer:      p.Dialer,
		registry:    NewRegistry(logger),
		converter:   p.Converter,
		transcripts: p.Transcripts,
		feed:        p.Feed,
		archiver:    p.Archiver,
		socketOpts: socketOptions{
			writeTimeout: p.WriteTimeout,
			sendBuffer:   p.SendBuffer,
		},
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		sequence: rand.Uint32,
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// Start creates or reuses the session for meetingUUID and connects to the
// signaling server. A session whose signaling socket is still open is left
// untouched. A session that is being flushed rejects the start with
// ErrSessionDraining.
func (r *Relay) Start(meetingUUID, streamID, signalingURL string) (*Session, error) {
	if meetingUUID == "" {
		return nil, errors.New("meeting_uuid is required")
	}
	if signalingURL == "" {
		return nil, errors.New("signaling server URL is required")
	}
	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("relay is shutting down: %w", r.ctx.Err())
	}

	sess, created := r.registry.StartSession(meetingUUID, streamID)
	if !created && !sess.acceptsMedia() {
		r.logger.Warn("Start while the session is being flushed, rejecting",
			zap.String("meeting_uuid", meetingUUID))
		return nil, ErrSessionDraining
	}
	if !created && sess.hasLiveSignaling() {
		r.logger.Info("Signaling already connected, ignoring start",
			zap.String("meeting_uuid", meetingUUID))
		return sess, nil
	}

	r.sockets.Add(1)
	go func() {
		defer r.sockets.Done()
		r.runSignaling(r.ctx, sess, signalingURL)
	}()
	return sess, nil
}

func (r *Relay) startMedia(sess *Session, mediaURL string) {
	r.sockets.Add(1)
	go func() {
		defer r.sockets.Done()
		r.runMedia(r.ctx, sess, mediaURL)
	}()
}

// Stop flushes the meeting's buffers through the converters and ends the
// session. Per-user video files left on disk are converted even when the
// meeting has no session, in which case ErrSessionNotFound is returned as
// well.
func (r *Relay) Stop(ctx context.Context, meetingUUID string) (*FlushResult, error) {
	logger := r.logger.With(zap.String("meeting_uuid", meetingUUID))
	result := &FlushResult{MeetingUUID: meetingUUID}
	var errs []error

	sess, ok := r.registry.Session(meetingUUID)
	if !ok {
		logger.Warn("Stop for unknown meeting, converting files left on disk")
		files, err := r.converter.Recover(ctx, meetingUUID)
		result.UserVideos = files
		if err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, ErrSessionNotFound)
		r.finishFlush(ctx, result, logger, &errs)
		return result, errors.Join(errs...)
	}

	snap := sess.drain()
	logger.Info("Flushing session",
		zap.Int("audio_bytes", len(snap.Audio)),
		zap.Int("video_bytes", len(snap.Video)),
		zap.Int("video_chunks", len(snap.VideoChunks)))

	if len(snap.Audio) > 0 {
		out, err := r.converter.AudioToWAV(ctx, snap.Audio, meetingUUID)
		if err != nil {
			errs = append(errs, err)
		}
		result.AudioFile = out
	}
	if len(snap.Video) > 0 {
		out, err := r.converter.VideoToMP4(ctx, snap.Video, meetingUUID, media.FileTimestamp(r.now()))
		if err != nil {
			errs = append(errs, err)
		}
		result.VideoFile = out
	}
	files, err := r.converter.ConvertUserVideos(ctx, meetingUUID)
	if err != nil {
		errs = append(errs, err)
	}
	result.UserVideos = files

	r.registry.EndSession(meetingUUID)
	r.finishFlush(ctx, result, logger, &errs)
	return result, errors.Join(errs...)
}

func (r *Relay) finishFlush(ctx context.Context, result *FlushResult, logger *zap.Logger, errs *[]error) {
	transcripts, err := r.converter.Layout().TranscriptFiles(result.MeetingUUID)
	if err != nil {
		logger.Warn("Failed to list transcripts", zap.Error(err))
	}
	result.Transcripts = transcripts

	files := result.Files()
	if r.archiver != nil && len(files) > 0 {
		if err := r.archiver.Archive(ctx, result.MeetingUUID, files); err != nil {
			logger.Error("Failed to archive artifacts", zap.Error(err))
			*errs = append(*errs, err)
		} else {
			result.Archived = true
		}
	}
	logger.Info("Flush finished", zap.Strings("files", files), zap.Bool("archived", result.Archived))
}

// StopAsync runs Stop in the background. Shutdown waits for it.
func (r *Relay) StopAsync(meetingUUID string) {
	r.flushes.Add(1)
	go func() {
		defer r.flushes.Done()
		if _, err := r.Stop(context.Background(), meetingUUID); err != nil {
			level := zap.ErrorLevel
			if errors.Is(err, ErrSessionNotFound) {
				level = zap.WarnLevel
			}
			r.logger.Log(level, "Flush finished with errors",
				zap.String("meeting_uuid", meetingUUID), zap.Error(err))
		}
	}()
}

// WaitFlushes blocks until every background stop has finished.
func (r *Relay) WaitFlushes() {
	r.flushes.Wait()
}

// Shutdown waits for pending flushes, then closes every session and waits
// for the socket loops to exit.
func (r *Relay) Shutdown(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		r.flushes.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		r.logger.Warn("Shutdown deadline reached with flushes pending")
	}

	r.cancel()
	r.registry.CloseAll()

	stopped := make(chan struct{})
	go func() {
		r.sockets.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
