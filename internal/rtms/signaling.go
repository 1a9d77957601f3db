package rtms

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"rtms-relay/internal/protocol"
)

// runSignaling drives one signaling connection:
// CONNECTING -> AWAITING_HANDSHAKE -> ESTABLISHED -> CLOSED.
func (r *Relay) runSignaling(ctx context.Context, sess *Session, url string) {
	logger := r.logger.With(
		zap.String("meeting_uuid", sess.MeetingUUID),
		zap.String("socket", string(SocketSignaling)))

	sess.setState(SocketSignaling, StateConnecting)
	conn, err := r.dialer.Dial(ctx, url)
	if err != nil {
		logger.Error("Failed to connect to signaling server", zap.String("url", url), zap.Error(err))
		sess.setState(SocketSignaling, StateClosed)
		return
	}

	sock := newSocket(SocketSignaling, conn, r.socketOpts, logger)
	if err := sess.attach(SocketSignaling, sock); err != nil {
		logger.Warn("Session ended before signaling connected", zap.Error(err))
		conn.Close()
		return
	}
	sock.start()
	defer func() {
		sock.Close()
		sess.detach(SocketSignaling, sock)
		logger.Info("Signaling socket closed")
	}()
	logger.Info("Connected to signaling server", zap.String("url", url))

	streamID := sess.StreamID()
	handshake := protocol.NewSignalingHandshake(sess.MeetingUUID, streamID, r.sequence(), r.signer.Sign(sess.MeetingUUID, streamID))
	sess.setState(SocketSignaling, StateAwaitingHandshake)
	if err := sock.Send(handshake); err != nil {
		logger.Error("Failed to send signaling handshake", zap.Error(err))
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
			r.handleSignaling(sess, sock, raw, logger)
		}
	}
}

func (r *Relay) handleSignaling(sess *Session, sock *socket, raw []byte, logger *zap.Logger) {
	env, err := protocol.Decode(raw)
	if err != nil {
		logDecodeError(logger, raw, err)
		return
	}

	switch env.MsgType {
	case protocol.SignalingHandshakeResp:
		if !env.Succeeded() {
			sess.recordHandshakeFailure()
			logger.Error("Signaling handshake failed",
				zap.Intp("status_code", env.StatusCode),
				zap.String("reason", env.Reason))
			return
		}
		// Without a media URL the socket keeps waiting for a usable response.
		mediaURL := env.MediaURL()
		if mediaURL == "" {
			sess.recordHandshakeFailure()
			logger.Error("Signaling handshake response has no media server URL")
			return
		}
		if !sess.markSignalingEstablished() {
			logger.Debug("Duplicate signaling handshake response ignored")
			return
		}
		logger.Info("Signaling handshake established")
		r.startMedia(sess, mediaURL)

	case protocol.KeepAliveReq:
		logger.Debug("Keep-alive received")
		if err := sock.SendUrgent(protocol.NewKeepAliveResponse(env.Timestamp)); err != nil {
			logger.Warn("Failed to answer keep-alive", zap.Error(err))
		}

	default:
		logger.Debug("Unhandled signaling message", zap.Stringer("msg_type", env.MsgType))
	}
}

func logDecodeError(logger *zap.Logger, raw []byte, err error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		logger.Warn("Malformed message dropped", zap.Int("bytes", len(raw)), zap.Error(err))
		return
	}
	logger.Debug("Binary data received", zap.Int("bytes", len(raw)))
}
