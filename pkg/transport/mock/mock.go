// Package mock provides a test double for the transport.Gateway interface.
//
// Use Gateway in unit tests to verify room lifecycle calls and to feed
// scripted room events without a live provider. Tests push events into a
// subscription with PushEvent and read outbound messages from the call
// records.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/reeltalk/reeltalk/pkg/transport"
)

// SendCall records a single invocation of SendAppMessage.
type SendCall struct {
	Room    string
	Payload []byte
	To      transport.Recipient
}

// Gateway is a mock implementation of transport.Gateway.
// Zero values cause methods to succeed with canned data; set Err fields to
// inject failures.
type Gateway struct {
	mu sync.Mutex

	// --- Configurable behavior ---

	// CreateRoomErr, if non-nil, is returned from CreateRoom.
	CreateRoomErr error

	// DestroyRoomErr, if non-nil, is returned from DestroyRoom.
	DestroyRoomErr error

	// SendErr, if non-nil, is returned from SendAppMessage.
	SendErr error

	// SubscribeErr, if non-nil, is returned from Subscribe.
	SubscribeErr error

	// --- Call records (read after test) ---

	// CreateRoomCallCount is the number of times CreateRoom was called.
	CreateRoomCallCount int

	// DestroyedRooms records the room names passed to DestroyRoom in order.
	DestroyedRooms []string

	// SendCalls records every invocation of SendAppMessage in order.
	SendCalls []SendCall

	// Subscriptions records every subscription opened via Subscribe.
	Subscriptions []*Subscription

	nextRoom int
}

// Ensure Gateway implements transport.Gateway at compile time.
var _ transport.Gateway = (*Gateway)(nil)

// CreateRoom returns a synthetic room with a unique name.
func (g *Gateway) CreateRoom(ctx context.Context) (transport.Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CreateRoomCallCount++
	if g.CreateRoomErr != nil {
		return transport.Room{}, g.CreateRoomErr
	}
	g.nextRoom++
	name := fmt.Sprintf("mock-room-%d", g.nextRoom)
	return transport.Room{
		Name:     name,
		URL:      "https://mock.example/" + name,
		BotToken: "mock-token-" + name,
	}, nil
}

// DestroyRoom records the call and returns DestroyRoomErr.
func (g *Gateway) DestroyRoom(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.DestroyedRooms = append(g.DestroyedRooms, name)
	return g.DestroyRoomErr
}

// SendAppMessage records the call and returns SendErr.
func (g *Gateway) SendAppMessage(ctx context.Context, name string, payload []byte, to transport.Recipient) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := make([]byte, len(payload))
	copy(p, payload)
	g.SendCalls = append(g.SendCalls, SendCall{Room: name, Payload: p, To: to})
	return g.SendErr
}

// Subscribe returns a new scripted subscription, recording it for the test
// to drive with PushEvent.
func (g *Gateway) Subscribe(ctx context.Context, room transport.Room) (transport.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SubscribeErr != nil {
		return nil, g.SubscribeErr
	}
	sub := NewSubscription()
	g.Subscriptions = append(g.Subscriptions, sub)
	return sub, nil
}

// LastSubscription returns the most recently opened subscription, or nil.
// Thread-safe, so tests can poll while the consumer is running.
func (g *Gateway) LastSubscription() *Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Subscriptions) == 0 {
		return nil
	}
	return g.Subscriptions[len(g.Subscriptions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CreateRoomCallCount = 0
	g.DestroyedRooms = nil
	g.SendCalls = nil
	g.Subscriptions = nil
}

// Subscription is a scripted transport.Subscription driven by the test.
type Subscription struct {
	events chan transport.Event
	done   chan struct{}
	once   sync.Once
}

// Ensure Subscription implements transport.Subscription at compile time.
var _ transport.Subscription = (*Subscription)(nil)

// NewSubscription creates an open subscription ready to receive pushed events.
func NewSubscription() *Subscription {
	return &Subscription{
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
}

// Events returns the event delivery channel.
func (s *Subscription) Events() <-chan transport.Event { return s.events }

// Close closes the event channel. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
	return nil
}

// PushEvent delivers ev to the subscription's consumer. Returns false if the
// subscription was already closed.
func (s *Subscription) PushEvent(ev transport.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
