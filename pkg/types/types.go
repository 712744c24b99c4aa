// Package types defines the shared types used across all ReelTalk packages.
//
// These types form the lingua franca between the transport gateway, the
// transcriber, the clip search backends, and the conversation pipeline. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio flowing out of a room.
// Frames are the atomic unit of audio transport — decoded from the room's
// media stream and fed into the streaming transcriber.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for room Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo room audio.
	Channels int

	// ParticipantID identifies the room participant this audio came from.
	ParticipantID string

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Utterance is a complete, final speech segment produced by the transcriber.
// Partial (interim) recognition results never leave the transcriber; only
// finalized utterances drive conversation turns.
type Utterance struct {
	// Text is the transcribed speech content. May be empty when the
	// recognizer finalized a segment of silence or noise.
	Text string

	// Language is the BCP 47 tag the recognizer detected (e.g., "en-US").
	// Empty when the provider does not report language.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// ParticipantID identifies which room participant spoke.
	ParticipantID string

	// ReceivedAt is when the orchestrator received the finalized utterance.
	ReceivedAt time.Time
}

// ClipCandidate is a single search result from the clip index.
type ClipCandidate struct {
	// ClipID is the stable identifier of the clip in the library.
	ClipID string

	// SourceURI locates the playable media (HTTP(S) URL or library path).
	SourceURI string

	// StartSeconds and EndSeconds bound the segment within the source media.
	StartSeconds float64
	EndSeconds   float64

	// Caption is the transcript or description text the clip was matched on.
	Caption string

	// Score is the relevance score in [0, 1], higher is better.
	Score float64
}

// PlayCommand instructs an edge player device to play a clip segment.
// It is serialized as an application message to the room.
type PlayCommand struct {
	// CommandSeq orders commands within a session, starting at 1 with no gaps.
	CommandSeq uint64 `json:"command_seq"`

	// ClipID identifies the clip being played, for journaling and display.
	ClipID string `json:"clip_id"`

	// SourceURI locates the playable media.
	SourceURI string `json:"source_uri"`

	// StartSeconds and EndSeconds bound the segment to play.
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`

	// Fullscreen requests fullscreen playback on the player device.
	Fullscreen bool `json:"fullscreen"`

	// IssuedAt is when the orchestrator emitted the command.
	IssuedAt time.Time `json:"issued_at"`
}

// StopCommand instructs an edge player device to stop the current playback.
type StopCommand struct {
	// CommandSeq shares the same per-session sequence as PlayCommand.
	CommandSeq uint64 `json:"command_seq"`

	// IssuedAt is when the orchestrator emitted the command.
	IssuedAt time.Time `json:"issued_at"`
}

// EdgeRole distinguishes the two edge device processes attached to a session.
type EdgeRole string

const (
	// EdgeCapture is the device process that captures and publishes user audio.
	EdgeCapture EdgeRole = "capture"

	// EdgePlayer is the device process that renders video playback commands.
	EdgePlayer EdgeRole = "player"
)

// IsValid reports whether the role is one of the known edge roles.
func (r EdgeRole) IsValid() bool {
	return r == EdgeCapture || r == EdgePlayer
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}
