// Package protocol defines the RTMS signaling/media wire messages.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MsgType identifies an RTMS message on either socket.
type MsgType int

const (
	SignalingHandshakeReq  MsgType = 1
	SignalingHandshakeResp MsgType = 2
	DataHandshakeReq       MsgType = 3
	DataHandshakeResp      MsgType = 4
	ClientReadyAck         MsgType = 7
	KeepAliveReq           MsgType = 12
	KeepAliveResp          MsgType = 13
	MediaDataAudio         MsgType = 14
	MediaDataVideo         MsgType = 15
	MediaDataTranscript    MsgType = 17
)

func (t MsgType) String() string {
	switch t {
	case SignalingHandshakeReq:
		return "SIGNALING_HAND_SHAKE_REQ"
	case SignalingHandshakeResp:
		return "SIGNALING_HAND_SHAKE_RESP"
	case DataHandshakeReq:
		return "DATA_HAND_SHAKE_REQ"
	case DataHandshakeResp:
		return "DATA_HAND_SHAKE_RESP"
	case ClientReadyAck:
		return "CLIENT_READY_ACK"
	case KeepAliveReq:
		return "KEEP_ALIVE_REQ"
	case KeepAliveResp:
		return "KEEP_ALIVE_RESP"
	case MediaDataAudio:
		return "MEDIA_DATA_AUDIO"
	case MediaDataVideo:
		return "MEDIA_DATA_VIDEO"
	case MediaDataTranscript:
		return "MEDIA_DATA_TRANSCRIPT"
	default:
		return fmt.Sprintf("MSG_TYPE_%d", int(t))
	}
}

// MediaType is the media subscription bitmask sent in the data handshake.
type MediaType int

const (
	MediaAudio      MediaType = 1
	MediaVideo      MediaType = 2
	MediaTranscript MediaType = 8
	MediaAll        MediaType = 32
)

// ProtocolVersion is the only version this client speaks.
const ProtocolVersion = 1

// ErrNotJSON is returned by Decode for payloads that are not a JSON object.
var ErrNotJSON = errors.New("payload is not a JSON message")

// URLList accepts either a single URL string or an array of URLs.
type URLList []string

func (l *URLList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		*l = URLList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// First returns the first non-empty URL, or "".
func (l URLList) First() string {
	for _, u := range l {
		if u != "" {
			return u
		}
	}
	return ""
}

type ServerURLs struct {
	All URLList `json:"all"`
}

type MediaServer struct {
	ServerURLs ServerURLs `json:"server_urls"`
}

// Content carries the payload of MEDIA_DATA_* messages.
type Content struct {
	Data          string      `json:"data"`
	UserName      string      `json:"user_name"`
	UserNameCamel string      `json:"userName"`
	Timestamp     json.Number `json:"timestamp,omitempty"`
}

// Speaker returns the sender name, falling back to the camel-case field.
func (c *Content) Speaker() string {
	if c.UserName != "" {
		return c.UserName
	}
	return c.UserNameCamel
}

// Envelope is the decoded form of any inbound message.
type Envelope struct {
	MsgType     MsgType         `json:"msg_type"`
	StatusCode  *int            `json:"status_code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	MediaServer *MediaServer    `json:"media_server,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
	Content     *Content        `json:"content,omitempty"`
}

// Succeeded reports whether the message carries status_code 0.
func (e *Envelope) Succeeded() bool {
	return e.StatusCode != nil && *e.StatusCode == 0
}

// MediaURL returns the first media server URL of a signaling handshake response.
func (e *Envelope) MediaURL() string {
	if e.MediaServer == nil {
		return ""
	}
	return e.MediaServer.ServerURLs.All.First()
}

// Decode parses a raw socket payload.
func Decode(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotJSON
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return &env, nil
}

type SignalingHandshakeRequest struct {
	MsgType         MsgType `json:"msg_type"`
	ProtocolVersion int     `json:"protocol_version"`
	MeetingUUID     string  `json:"meeting_uuid"`
	RTMSStreamID    string  `json:"rtms_stream_id"`
	Sequence        uint32  `json:"sequence"`
	Signature       string  `json:"signature"`
}

type DataHandshakeRequest struct {
	MsgType           MsgType   `json:"msg_type"`
	ProtocolVersion   int       `json:"protocol_version"`
	MeetingUUID       string    `json:"meeting_uuid"`
	RTMSStreamID      string    `json:"rtms_stream_id"`
	Signature         string    `json:"signature"`
	MediaType         MediaType `json:"media_type"`
	PayloadEncryption bool      `json:"payload_encryption"`
}

type ClientReady struct {
	MsgType      MsgType `json:"msg_type"`
	RTMSStreamID string  `json:"rtms_stream_id"`
}

// KeepAliveResponse echoes the request timestamp byte for byte.
type KeepAliveResponse struct {
	MsgType   MsgType         `json:"msg_type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func NewSignalingHandshake(meetingUUID, streamID string, sequence uint32, signature string) SignalingHandshakeRequest {
	return SignalingHandshakeRequest{
		MsgType:         SignalingHandshakeReq,
		ProtocolVersion: ProtocolVersion,
		MeetingUUID:     meetingUUID,
		RTMSStreamID:    streamID,
		Sequence:        sequence,
		Signature:       signature,
	}
}

func NewDataHandshake(meetingUUID, streamID, signature string) DataHandshakeRequest {
	return DataHandshakeRequest{
		MsgType:           DataHandshakeReq,
		ProtocolVersion:   ProtocolVersion,
		MeetingUUID:       meetingUUID,
		RTMSStreamID:      streamID,
		Signature:         signature,
		MediaType:         MediaAll,
		PayloadEncryption: false,
	}
}

func NewClientReady(streamID string) ClientReady {
	return ClientReady{MsgType: ClientReadyAck, RTMSStreamID: streamID}
}

func NewKeepAliveResponse(timestamp json.RawMessage) KeepAliveResponse {
	return KeepAliveResponse{MsgType: KeepAliveResp, Timestamp: timestamp}
}
