package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType identifies a client command
type CommandType string

// Client commands
const (
	CommandStartRecording  CommandType = "start_recording"
	CommandPauseRecording  CommandType = "pause_recording"
	CommandResumeRecording CommandType = "resume_recording"
	CommandFinishRecording CommandType = "finish_recording"
	CommandAudioChunk      CommandType = "audio_chunk"
	CommandPing            CommandType = "ping"
)

var (
	// ErrUnknownCommand is returned for command types the server does not handle
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMissingVisitID is returned when a visit command has no visit_id
	ErrMissingVisitID = errors.New("visit_id is required")
)

// Command is a message sent by a client over the control connection.
// Layout: {"type": "...", "data": {"visit_id": "...", "audio": "<base64>"}}
type Command struct {
	Type CommandType `json:"type"`
	Data CommandData `json:"data"`
}

// CommandData carries the command arguments
type CommandData struct {
	VisitID string `json:"visit_id,omitempty"`
	Audio   string `json:"audio,omitempty"`
}

// ParseCommand decodes and validates a client command
func ParseCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	if err := cmd.Validate(); err != nil {
		return &cmd, err
	}

	return &cmd, nil
}

// Validate checks the command type and its required arguments
func (c *Command) Validate() error {
	switch c.Type {
	case CommandStartRecording, CommandPauseRecording, CommandResumeRecording, CommandFinishRecording:
		if c.Data.VisitID == "" {
			return fmt.Errorf("%s: %w", c.Type, ErrMissingVisitID)
		}
	case CommandAudioChunk:
		if c.Data.VisitID == "" {
			return fmt.Errorf("%s: %w", c.Type, ErrMissingVisitID)
		}
		if c.Data.Audio == "" {
			return fmt.Errorf("%s: audio is required", c.Type)
		}
	case CommandPing:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
	}

	return nil
}

// AudioFrame decodes the base64 audio carried by an audio_chunk command
func (c *Command) AudioFrame() ([]byte, error) {
	frame, err := base64.StdEncoding.DecodeString(c.Data.Audio)
	if err != nil {
		return nil, fmt.Errorf("invalid audio encoding: %w", err)
	}
	return frame, nil
}
