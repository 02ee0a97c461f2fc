package stream

import (
	"encoding/base64"
	"fmt"
	"time"

	"rtspview/internal/codec"
)

// Message types sent to subscribers
const (
	TypeConnectionEstablished = "connection_established"
	TypeStreamStarted         = "stream_started"
	TypeFrame                 = "frame"
	TypeStreamStopped         = "stream_stopped"
	TypeStreamPaused          = "stream_paused"
	TypeStreamResumed         = "stream_resumed"
	TypeSpeedChanged          = "speed_changed"
	TypeError                 = "error"
)

// Message is an outbound notification for one subscriber
type Message struct {
	Type      string     `json:"type"`
	StreamID  string     `json:"stream_id"`
	Message   string     `json:"message,omitempty"`
	Frame     string     `json:"frame,omitempty"` // Base64 encoded JPEG frame
	JPEG      []byte     `json:"-"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	Speed     *float64   `json:"speed,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// IsFrame reports whether the message carries video
func (m Message) IsFrame() bool {
	return m.Type == TypeFrame
}

// NewConnectionEstablishedMessage is sent by the gateway when a client connects
func NewConnectionEstablishedMessage(streamID string) Message {
	return Message{Type: TypeConnectionEstablished, StreamID: streamID, Message: "WebSocket connection established"}
}

// NewStreamStartedMessage announces that frames are about to flow
func NewStreamStartedMessage(streamID, text string) Message {
	return Message{Type: TypeStreamStarted, StreamID: streamID, Message: text}
}

// NewFrameMessage wraps an encoded frame for delivery
func NewFrameMessage(streamID string, frame *codec.EncodedFrame) Message {
	ts := frame.Timestamp
	return Message{
		Type:      TypeFrame,
		StreamID:  streamID,
		Frame:     base64.StdEncoding.EncodeToString(frame.Data),
		JPEG:      frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Timestamp: &ts,
	}
}

// NewStreamStoppedMessage announces the end of the stream
func NewStreamStoppedMessage(streamID, text string) Message {
	return Message{Type: TypeStreamStopped, StreamID: streamID, Message: text}
}

// NewPausedMessage is broadcast when playback is paused
func NewPausedMessage(streamID string) Message {
	return Message{Type: TypeStreamPaused, StreamID: streamID, Message: "Stream paused"}
}

// NewResumedMessage is broadcast when playback resumes
func NewResumedMessage(streamID string) Message {
	return Message{Type: TypeStreamResumed, StreamID: streamID, Message: "Stream resumed"}
}

// NewSpeedChangedMessage is broadcast after a successful speed change
func NewSpeedChangedMessage(streamID string, speed float64) Message {
	return Message{
		Type:     TypeSpeedChanged,
		StreamID: streamID,
		Message:  fmt.Sprintf("Playback speed set to %gx", speed),
		Speed:    &speed,
	}
}

// NewErrorMessage reports a problem to the client
func NewErrorMessage(streamID, text string) Message {
	now := time.Now()
	return Message{Type: TypeError, StreamID: streamID, Message: text, Timestamp: &now}
}
