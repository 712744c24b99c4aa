// Package transport defines the Gateway abstraction over a managed WebRTC
// room provider.
//
// The orchestrator never terminates media itself. It asks the gateway to
// create and destroy rooms, subscribes to a room's event stream (participant
// membership, decoded audio, application messages), and sends application
// messages into the room. Implementations live in subpackages; the mock
// subpackage provides a scriptable test double.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/reeltalk/reeltalk/pkg/types"
)

// Sentinel errors shared by all gateway implementations.
var (
	// ErrUnavailable indicates the room provider could not be reached or
	// rejected the request. Room creation failures surface as this.
	ErrUnavailable = errors.New("transport: provider unavailable")

	// ErrConnectionLost indicates the event subscription dropped and could
	// not be immediately restored. The subscription keeps retrying; events
	// that occurred while disconnected are lost and flagged with a gap
	// marker event.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrRoomNotFound indicates the named room does not exist (anymore).
	ErrRoomNotFound = errors.New("transport: room not found")
)

// Room describes a provisioned WebRTC room.
type Room struct {
	// Name is the provider-assigned room name, unique per provider domain.
	Name string

	// URL is the join URL handed to clients.
	URL string

	// BotToken authorizes the orchestrator's own event subscription.
	BotToken string

	// ExpiresAt is when the provider will garbage-collect the room.
	ExpiresAt time.Time
}

// EventType enumerates room event kinds.
type EventType int

const (
	// EventParticipantJoined fires when a participant enters the room.
	EventParticipantJoined EventType = iota

	// EventParticipantLeft fires when a participant leaves the room.
	EventParticipantLeft

	// EventAppMessage carries an application message from a participant.
	EventAppMessage

	// EventAudioFrame carries decoded PCM audio from a participant.
	EventAudioFrame

	// EventGap marks a window during which the subscription was down and
	// events may have been missed.
	EventGap
)

// String returns the event type name for logging.
func (t EventType) String() string {
	switch t {
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventAppMessage:
		return "app_message"
	case EventAudioFrame:
		return "audio_frame"
	case EventGap:
		return "gap"
	default:
		return "unknown"
	}
}

// Event is a single room event. Which fields are set depends on Type.
type Event struct {
	Type EventType

	// ParticipantID identifies the participant for join/leave/message/audio
	// events. Empty for gap markers.
	ParticipantID string

	// IsBot is true when the participant is the orchestrator's own bot
	// identity rather than a human or edge device.
	IsBot bool

	// Payload is the raw application message body for EventAppMessage.
	Payload []byte

	// Frame is the decoded audio for EventAudioFrame.
	Frame types.AudioFrame

	// Downtime is how long the subscription was disconnected, for EventGap.
	Downtime time.Duration
}

// Recipient addresses an outbound application message.
type Recipient struct {
	// ParticipantID targets a single participant. Empty means broadcast.
	ParticipantID string
}

// Broadcast addresses every participant in the room.
var Broadcast = Recipient{}

// Subscription is a live event stream for one room.
type Subscription interface {
	// Events returns the channel the subscription delivers events on. The
	// channel is closed when the subscription is closed or fails terminally.
	Events() <-chan Event

	// Close tears down the subscription and releases its resources.
	// Safe to call more than once.
	Close() error
}

// Gateway is the abstraction over a managed WebRTC room provider.
//
// Implementations must be safe for concurrent use; the facade creates rooms
// while pipelines send messages into others.
type Gateway interface {
	// CreateRoom provisions a new room and returns its description.
	CreateRoom(ctx context.Context) (Room, error)

	// DestroyRoom deletes the named room at the provider. Destroying a room
	// that no longer exists returns ErrRoomNotFound.
	DestroyRoom(ctx context.Context, name string) error

	// SendAppMessage delivers payload to the recipient in the named room.
	SendAppMessage(ctx context.Context, name string, payload []byte, to Recipient) error

	// Subscribe opens an event stream for the named room using the given
	// bot token. The subscription reconnects on transient failures until
	// closed or ctx is cancelled.
	Subscribe(ctx context.Context, room Room) (Subscription, error)
}
