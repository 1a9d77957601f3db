package rtms

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"go.uber.org/zap"

	"rtms-relay/internal/media"
	"rtms-relay/internal/protocol"
)

// runMedia drives the media connection opened after the signaling
// handshake.
func (r *Relay) runMedia(ctx context.Context, sess *Session, url string) {
	logger := r.logger.With(
		zap.String("meeting_uuid", sess.MeetingUUID),
		zap.String("socket", string(SocketMedia)))

	sess.setState(SocketMedia, StateConnecting)
	conn, err := r.dialer.Dial(ctx, url)
	if err != nil {
		logger.Error("Failed to connect to media server", zap.String("url", url), zap.Error(err))
		sess.setState(SocketMedia, StateClosed)
		return
	}

	sock := newSocket(SocketMedia, conn, r.socketOpts, logger)
	if err := sess.attach(SocketMedia, sock); err != nil {
		logger.Warn("Media socket rejected", zap.Error(err))
		conn.Close()
		return
	}
	sock.start()
	defer func() {
		sock.Close()
		sess.detach(SocketMedia, sock)
		logger.Info("Media socket closed")
	}()
	logger.Info("Connected to media server", zap.String("url", url))

	streamID := sess.StreamID()
	handshake := protocol.NewDataHandshake(sess.MeetingUUID, streamID, r.signer.Sign(sess.MeetingUUID, streamID))
	sess.setState(SocketMedia, StateAwaitingHandshake)
	if err := sock.Send(handshake); err != nil {
		logger.Error("Failed to send data handshake", zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sock.Inbound():
			if !ok {
				return
			}
			r.handleMedia(sess, sock, raw, logger)
		}
	}
}

func (r *Relay) handleMedia(sess *Session, sock *socket, raw []byte, logger *zap.Logger) {
	env, err := protocol.Decode(raw)
	if err != nil {
		logDecodeError(logger, raw, err)
		return
	}

	switch env.MsgType {
	case protocol.DataHandshakeResp:
		if !env.Succeeded() {
			sess.recordHandshakeFailure()
			logger.Error("Data handshake failed",
				zap.Intp("status_code", env.StatusCode),
				zap.String("reason", env.Reason))
			return
		}
		sess.setState(SocketMedia, StateEstablished)
		logger.Info("Data handshake established")
		if err := sess.sendSignaling(protocol.NewClientReady(sess.StreamID())); err != nil {
			logger.Error("Failed to send client ready ack", zap.Error(err))
		}

	case protocol.KeepAliveReq:
		logger.Debug("Keep-alive received")
		if err := sock.SendUrgent(protocol.NewKeepAliveResponse(env.Timestamp)); err != nil {
			logger.Warn("Failed to answer keep-alive", zap.Error(err))
		}

	case protocol.MediaDataAudio, protocol.MediaDataVideo, protocol.MediaDataTranscript:
		r.handleMediaData(sess, env, logger)

	default:
		logger.Debug("Unhandled media message", zap.Stringer("msg_type", env.MsgType))
	}
}

func (r *Relay) handleMediaData(sess *Session, env *protocol.Envelope, logger *zap.Logger) {
	if env.Content == nil {
		logger.Warn("Media message without content", zap.Stringer("msg_type", env.MsgType))
		return
	}
	data, err := base64.StdEncoding.DecodeString(env.Content.Data)
	if err != nil {
		logger.Warn("Invalid base64 media payload", zap.Stringer("msg_type", env.MsgType), zap.Error(err))
		return
	}

	switch env.MsgType {
	case protocol.MediaDataAudio:
		logger.Debug("Audio chunk", zap.Int("bytes", len(data)))
		if err := sess.appendAudio(data); err != nil {
			logger.Debug("Audio chunk dropped", zap.Error(err))
			return
		}
		if r.feed != nil {
			if err := r.feed.AppendAudio(data); err != nil {
				logger.Warn("Failed to append live audio", zap.Error(err))
			}
		}

	case protocol.MediaDataVideo:
		user := env.Content.Speaker()
		if user == "" {
			user = DefaultUserName
		}
		logger.Debug("Video chunk", zap.Int("bytes", len(data)), zap.String("user", user))
		chunk := VideoChunk{Data: data, UserName: user, ReceivedAt: r.now()}
		path := r.converter.Layout().UserVideoPath(sess.MeetingUUID, user)
		if err := sess.appendVideo(chunk, path); err != nil {
			logger.Warn("Video chunk not stored", zap.Error(err))
			return
		}
		if r.feed != nil {
			if err := r.feed.WriteFrame(data); err != nil {
				logger.Warn("Failed to write live frame", zap.Error(err))
			}
		}

	case protocol.MediaDataTranscript:
		if !sess.acceptsMedia() {
			logger.Debug("Transcript dropped", zap.Error(ErrSessionClosed))
			return
		}
		entry := media.TranscriptEntry{
			MeetingUUID: sess.MeetingUUID,
			UserName:    env.Content.Speaker(),
			Timestamp:   microsToMillis(env.Content.Timestamp),
			Text:        string(data),
			Raw:         data,
			Epoch:       sess.CreatedAt,
		}
		if _, err := r.transcripts.Write(entry); err != nil {
			logger.Error("Failed to write transcript", zap.Error(err))
			return
		}
		sess.recordTranscript()
	}
}

// microsToMillis converts a transcript content timestamp, sent in
// microseconds, to milliseconds.
func microsToMillis(n json.Number) int64 {
	if n == "" {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v / 1000
	}
	if f, err := n.Float64(); err == nil {
		return int64(f) / 1000
	}
	return 0
}
