// Package mock provides a test double for the transcribe.Provider interface.
//
// Tests push utterances into a session with PushUtterance and inspect the
// audio chunks the pipeline forwarded via SentAudio.
package mock

import (
	"context"
	"sync"

	"github.com/reeltalk/reeltalk/pkg/transcribe"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned from StartStream.
	StartStreamErr error

	// StartStreamCalls records the configs passed to StartStream in order.
	StartStreamCalls []transcribe.StreamConfig

	// Sessions records every session opened via StartStream.
	Sessions []*Session
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)

// StartStream records the call and returns a new scripted session.
func (p *Provider) StartStream(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	sess := NewSession()
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// LastSession returns the most recently opened session, or nil. Thread-safe,
// so tests can poll while the consumer is running.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Session is a scripted transcribe.Session driven by the test.
type Session struct {
	mu         sync.Mutex
	sent       [][]byte
	utterances chan types.Utterance
	done       chan struct{}
	once       sync.Once
}

// Ensure Session implements transcribe.Session at compile time.
var _ transcribe.Session = (*Session)(nil)

// NewSession creates an open session ready to receive pushed utterances.
func NewSession() *Session {
	return &Session{
		utterances: make(chan types.Utterance, 64),
		done:       make(chan struct{}),
	}
}

// SendAudio records the chunk. Returns ErrSessionClosed after Close.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return transcribe.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.sent = append(s.sent, c)
	return nil
}

// SentAudio returns a copy of all audio chunks sent so far.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Utterances returns the utterance delivery channel.
func (s *Session) Utterances() <-chan types.Utterance { return s.utterances }

// Close closes the utterance channel. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.utterances)
	})
	return nil
}

// PushUtterance delivers u to the session's consumer. Returns false if the
// session was already closed.
func (s *Session) PushUtterance(u types.Utterance) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.utterances <- u:
		return true
	case <-s.done:
		return false
	}
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
