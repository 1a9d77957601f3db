// Package app wires the relay components from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rtms-relay/internal/archive"
	"rtms-relay/internal/config"
	"rtms-relay/internal/livefeed"
	"rtms-relay/internal/media"
	"rtms-relay/internal/protocol"
	"rtms-relay/internal/rtms"
	"rtms-relay/internal/server"
	"rtms-relay/internal/webhook"
)

const defaultShutdownTimeout = 30 * time.Second

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Layout    media.Layout
	Feed      *livefeed.Feed
	Encoder   *media.FFmpeg
	Converter *media.Converter
	Archiver  *archive.Uploader
	Relay     *rtms.Relay
}

func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	layout := media.Layout{Root: cfg.Storage.DataDir}
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}

	feed, err := livefeed.New(cfg.Storage.LiveDir, logger.Named("livefeed"))
	if err != nil {
		return nil, fmt.Errorf("preparing live directory: %w", err)
	}

	encoder := media.NewFFmpeg(media.FFmpegOptions{
		Path:          cfg.FFmpeg.Path,
		SampleRate:    cfg.FFmpeg.AudioSampleRate,
		Channels:      cfg.FFmpeg.AudioChannels,
		FrameRate:     cfg.FFmpeg.VideoFrameRate,
		UserFrameRate: cfg.FFmpeg.UserVideoFrameRate,
	}, logger.Named("ffmpeg"))
	converter := media.NewConverter(layout, encoder, feed, logger.Named("media"))

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Layout:    layout,
		Feed:      feed,
		Encoder:   encoder,
		Converter: converter,
	}

	var archiver rtms.Archiver
	if cfg.Archive.Enabled() {
		uploader, err := archive.NewUploader(archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Prefix:          cfg.Archive.Prefix,
		}, logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("initializing archive: %w", err)
		}
		a.Archiver = uploader
		archiver = uploader
	}

	a.Relay = rtms.NewRelay(rtms.Params{
		Signer:       protocol.NewSigner(cfg.Zoom.ClientID, cfg.Zoom.ClientSecret),
		Dialer:       rtms.NewWSDialer(cfg.RTMS.HandshakeTimeout, cfg.RTMS.InsecureSkipVerify),
		Converter:    converter,
		Transcripts:  media.NewTranscriptWriter(layout, feed, logger.Named("transcript")),
		Feed:         feed,
		Archiver:     archiver,
		Logger:       logger.Named("rtms"),
		WriteTimeout: cfg.RTMS.WriteTimeout,
		SendBuffer:   cfg.RTMS.SendBuffer,
	})
	return a, nil
}

// NewServer builds the HTTP server for the relay.
func (a *App) NewServer() *server.Server {
	dispatcher := webhook.NewDispatcher(a.Relay, webhook.Options{
		SecretToken:     a.Config.Zoom.SecretToken,
		VerifySignature: a.Config.Zoom.VerifyWebhookSignature,
	}, a.Logger.Named("webhook"))

	return server.New(server.Params{
		Addr:        a.Config.Server.Addr(),
		Mode:        a.Config.Server.Mode,
		WebhookPath: a.Config.Server.WebhookPath,
		Webhook:     dispatcher.Handle,
		Registry:    a.Relay.Registry(),
		Feed:        a.Feed,
		Logger:      a.Logger.Named("http"),
	})
}

// Serve runs the HTTP server until ctx is done, then stops accepting
// requests, waits for pending flushes and closes every session.
func (a *App) Serve(ctx context.Context) error {
	srv := a.NewServer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		a.Logger.Info("Shutting down server...")
	}

	timeout := a.Config.RTMS.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := a.Relay.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}

	a.Logger.Info("Server exited")
	return nil
}
