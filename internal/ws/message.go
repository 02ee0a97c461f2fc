package ws

import (
	"encoding/json"
	"fmt"
)

// Client command types
const (
	CommandStartStream = "start_stream"
	CommandStopStream  = "stop_stream"
	CommandPause       = "pause"
	CommandPlay        = "play"
	CommandSetSpeed    = "set_speed"
)

// Error texts sent back to clients
const (
	errInvalidJSON  = "Invalid JSON message"
	errNoSourceURL  = "No RTSP URL provided and stream not found in database"
	errNoStream     = "No active stream"
	errMissingSpeed = "set_speed requires a numeric speed"
)

// Command is a message received from a client
type Command struct {
	Type    string   `json:"type"`
	RTSPURL string   `json:"rtsp_url,omitempty"` // optional, resolved from the store when empty
	Audio   bool     `json:"audio,omitempty"`
	Speed   *float64 `json:"speed,omitempty"` // set_speed only
}

func decodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}
