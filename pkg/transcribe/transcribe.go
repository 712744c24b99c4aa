// Package transcribe defines the streaming speech-to-text abstraction used by
// the conversation pipeline.
//
// A provider turns a continuous audio stream into discrete finalized
// utterances. Interim recognition results are an implementation detail of the
// provider; only finals cross this interface, because only finals drive
// conversation turns.
//
// Implementations must be safe for concurrent use.
package transcribe

import (
	"context"
	"errors"

	"github.com/reeltalk/reeltalk/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after the session was closed.
var ErrSessionClosed = errors.New("transcribe: session is closed")

// StreamConfig configures a streaming transcription session.
type StreamConfig struct {
	// SampleRate of the PCM audio in Hz (e.g., 16000 or 48000).
	SampleRate int

	// Channels of the PCM audio. Providers typically expect mono.
	Channels int

	// Language is the BCP 47 hint for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect or use its default.
	Language string

	// ParticipantID is attached to every utterance the session emits.
	ParticipantID string
}

// Session is a live streaming transcription session.
type Session interface {
	// SendAudio queues a PCM chunk for recognition. Returns ErrSessionClosed
	// after Close.
	SendAudio(chunk []byte) error

	// Utterances returns the channel of finalized utterances. The channel
	// is closed when the session ends.
	Utterances() <-chan types.Utterance

	// Close flushes pending audio and terminates the session.
	// Safe to call more than once.
	Close() error
}

// Provider opens streaming transcription sessions.
type Provider interface {
	// StartStream opens a session with the given config. The session lives
	// until Close is called or ctx is cancelled.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
