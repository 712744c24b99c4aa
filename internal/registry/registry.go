// Package registry holds the live session table and the session lifecycle
// state machine.
//
// A session moves through Provisioning → Connecting → Active, may bounce
// between Active and Degraded while the transport flaps, and always ends via
// Terminating → Terminated. Every state change is validated against the
// transition table; callers that try to skip states get an error instead of a
// silently corrupted lifecycle.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reeltalk/reeltalk/internal/journal"
	"github.com/reeltalk/reeltalk/pkg/transport"
)

// Sentinel errors returned by registry operations.
var (
	// ErrNotFound indicates no session with the given identifier exists.
	ErrNotFound = errors.New("registry: session not found")

	// ErrRoomInUse indicates a session already exists for the room.
	ErrRoomInUse = errors.New("registry: room already has a session")

	// ErrNotTerminated indicates Remove was called before the session
	// reached Terminated.
	ErrNotTerminated = errors.New("registry: session is not terminated")

	// ErrWrongState indicates an operation that is only valid in certain
	// session states was attempted in another.
	ErrWrongState = errors.New("registry: wrong session state")
)

// State is a session lifecycle state.
type State int

const (
	// StateProvisioning: the room is being created at the provider.
	StateProvisioning State = iota

	// StateConnecting: the room exists, waiting for the first participant.
	StateConnecting

	// StateActive: a participant is present and the pipeline is running.
	StateActive

	// StateDegraded: the transport event stream is down; no commands are
	// sent until it recovers.
	StateDegraded

	// StateTerminating: teardown has begun.
	StateTerminating

	// StateTerminated: all resources are released; the session may be
	// removed from the registry.
	StateTerminated
)

// String returns the lowercase state name used in logs and API responses.
func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// validNext is the lifecycle transition table.
var validNext = map[State][]State{
	StateProvisioning: {StateConnecting, StateTerminating},
	StateConnecting:   {StateActive, StateTerminating},
	StateActive:       {StateDegraded, StateTerminating},
	StateDegraded:     {StateActive, StateTerminating},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
}

// canTransition reports whether from → to is a legal lifecycle step.
func canTransition(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one live conversation session. All mutable fields are guarded by
// the owning Registry's lock; read them through Snapshot.
type Session struct {
	// ID is the session identifier handed to clients.
	ID string

	// Room is the provisioned transport room.
	Room transport.Room

	// CreatedAt is when the session record was created.
	CreatedAt time.Time

	// Journal is the session's status journal.
	Journal *journal.Journal

	state          State
	stateChangedAt time.Time
	lastActivityAt time.Time

	// stop tears down the session's pipeline. Set by the owner after the
	// pipeline starts; may be nil before that.
	stop func()
}

// Snapshot is a read-only copy of a session's mutable state.
type Snapshot struct {
	ID             string    `json:"session_id"`
	RoomName       string    `json:"room_name"`
	RoomURL        string    `json:"room_url"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	StateChangedAt time.Time `json:"state_changed_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Registry is the in-memory session table. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Session
	byRoom map[string]*Session
	now    func() time.Time
}

// Option is a functional option for Registry.
type Option func(*Registry)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:   make(map[string]*Session),
		byRoom: make(map[string]*Session),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a new session for the room, starting in Provisioning.
// Each room can host at most one session.
func (r *Registry) Create(room transport.Room, j *journal.Journal) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byRoom[room.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomInUse, room.Name)
	}

	now := r.now()
	s := &Session{
		ID:             uuid.NewString(),
		Room:           room,
		CreatedAt:      now,
		Journal:        j,
		state:          StateProvisioning,
		stateChangedAt: now,
		lastActivityAt: now,
	}
	r.byID[s.ID] = s
	r.byRoom[room.Name] = s
	return s, nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// GetByRoom returns the session attached to the named room.
func (r *Registry) GetByRoom(roomName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byRoom[roomName]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomName)
	}
	return s, nil
}

// Advance moves the session to the requested state, enforcing the lifecycle
// transition table. Advancing to the current state is a no-op.
func (r *Registry) Advance(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.state == to {
		return nil
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("registry: illegal transition %s → %s for session %s", s.state, to, id)
	}
	s.state = to
	s.stateChangedAt = r.now()
	return nil
}

// State returns the session's current lifecycle state.
func (r *Registry) State(id string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.state, nil
}

// Touch records session activity, resetting the idle clock.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		s.lastActivityAt = r.now()
	}
}

// SetStop installs the session's pipeline teardown function.
func (r *Registry) SetStop(id string, stop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		s.stop = stop
	}
}

// Stop invokes the session's pipeline teardown function, if set.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	stop := (func())(nil)
	if s, ok := r.byID[id]; ok {
		stop = s.stop
	}
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// List returns snapshots of every session, in no particular order.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, r.snapshotLocked(s))
	}
	return out
}

// Snapshot returns a read-only copy of the session's state.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.snapshotLocked(s), nil
}

func (r *Registry) snapshotLocked(s *Session) Snapshot {
	return Snapshot{
		ID:             s.ID,
		RoomName:       s.Room.Name,
		RoomURL:        s.Room.URL,
		State:          s.state.String(),
		CreatedAt:      s.CreatedAt,
		StateChangedAt: s.stateChangedAt,
		LastActivityAt: s.lastActivityAt,
	}
}

// Remove deletes a terminated session from the registry. Sessions still in
// flight return ErrNotTerminated.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.state != StateTerminated {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminated, id, s.state)
	}
	delete(r.byID, id)
	delete(r.byRoom, s.Room.Name)
	return nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
