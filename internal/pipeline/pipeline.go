// Package pipeline implements the per-session conversation actor.
//
// One Pipeline exists per session. It consumes the room's event stream (audio
// frames, participant membership, edge app messages), feeds audio into a
// streaming transcriber, and runs the turn loop: finalized utterance → LLM
// with tool calling → clip search → playback command out to the edge player.
//
// Everything inside one pipeline is strictly serialized: Run is a single
// goroutine selecting over the room events, the transcriber's utterances, and
// an internal work channel. External callers interact only through Stop,
// SetDegraded, and the snapshot accessors, all of which are safe for
// concurrent use.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reeltalk/reeltalk/internal/journal"
	"github.com/reeltalk/reeltalk/internal/observe"
	"github.com/reeltalk/reeltalk/internal/resilience"
	"github.com/reeltalk/reeltalk/pkg/clipsearch"
	"github.com/reeltalk/reeltalk/pkg/provider/llm"
	"github.com/reeltalk/reeltalk/pkg/transcribe"
	"github.com/reeltalk/reeltalk/pkg/transport"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// ErrSubscriptionClosed is returned by Run when the room event stream ends
// before Stop was called.
var ErrSubscriptionClosed = errors.New("pipeline: room subscription closed")

const (
	defaultContextTurns  = 12
	defaultLLMTimeout    = 30 * time.Second
	defaultSearchTimeout = 5 * time.Second
	defaultSendTimeout   = 3 * time.Second

	// stallThreshold is the number of consecutive utterances without a tool
	// call before a stalled error is journaled.
	stallThreshold = 3

	// llmFailureThreshold is the number of consecutive failed LLM calls
	// before the session is declared unrecoverable.
	llmFailureThreshold = 5

	// searchRetries is how often an unavailable search backend is retried
	// within one tool call.
	searchRetries = 2

	searchRetryBackoff = 200 * time.Millisecond
)

// Callbacks notify the session owner about pipeline-observed lifecycle
// events. All callbacks are invoked from the pipeline goroutine and must not
// block; nil callbacks are skipped.
type Callbacks struct {
	// OnParticipantJoined fires when the session's user participant joins.
	OnParticipantJoined func(participantID string)

	// OnParticipantLeft fires when the session's user participant leaves.
	OnParticipantLeft func(participantID string)

	// OnTransportLost fires when the pipeline stops trusting the transport.
	OnTransportLost func()

	// OnTransportRestored fires when the transport recovered.
	OnTransportRestored func()

	// OnActivity fires whenever the user produced a turn-starting utterance.
	OnActivity func()

	// OnFatal fires when the pipeline considers the session unrecoverable
	// (e.g. repeated LLM failures). The owner is expected to initiate
	// termination; the pipeline keeps running until stopped.
	OnFatal func(reason string)
}

// Config assembles a Pipeline's collaborators.
type Config struct {
	SessionID string
	Room      transport.Room
	Journal   *journal.Journal

	Gateway     transport.Gateway
	Transcriber transcribe.Provider
	LLM         llm.Provider
	Search      clipsearch.Searcher

	// SystemPrompt is the instruction framing the clip-DJ persona. Empty
	// uses DefaultSystemPrompt.
	SystemPrompt string

	// Language is the recognition hint passed to the transcriber.
	Language string

	// ContextTurns bounds the conversation history to the last N user turns.
	ContextTurns int

	// LLMTimeout, SearchTimeout and SendTimeout bound the three external
	// calls of a turn. Zero applies the defaults (30s, 5s, 3s).
	LLMTimeout    time.Duration
	SearchTimeout time.Duration
	SendTimeout   time.Duration

	Callbacks Callbacks
	Logger    *slog.Logger

	// Metrics receives the pipeline's instrumentation. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Pipeline is the per-session conversation actor.
type Pipeline struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
	work     chan func()

	// mu guards the fields read by other goroutines via accessors.
	mu              sync.Mutex
	cancelRun       context.CancelFunc
	degraded        bool
	commandSeq      uint64
	lastAudioAt     time.Time
	lastUtteranceAt time.Time

	// Actor-local turn state, touched only from the Run goroutine.
	participantID string
	stt           transcribe.Session
	utterances    <-chan types.Utterance
	messages      []types.Message
	lastSearch    []types.ClipCandidate
	stallCounter  int
	llmFailures   int
	fatalFired    bool
}

// New creates a Pipeline. It does not touch the transport until Run.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Gateway == nil:
		return nil, errors.New("pipeline: gateway is required")
	case cfg.Transcriber == nil:
		return nil, errors.New("pipeline: transcriber is required")
	case cfg.LLM == nil:
		return nil, errors.New("pipeline: llm provider is required")
	case cfg.Search == nil:
		return nil, errors.New("pipeline: searcher is required")
	case cfg.Journal == nil:
		return nil, errors.New("pipeline: journal is required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = defaultContextTurns
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = defaultSearchTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", cfg.SessionID, "room", cfg.Room.Name)
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	return &Pipeline{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		work:    make(chan func(), 16),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "llm-" + cfg.SessionID,
			MaxFailures: llmFailureThreshold,
		}),
	}, nil
}

// Run subscribes to the room and drives the conversation loop until Stop is
// called, ctx is cancelled, or the subscription ends. It blocks; callers run
// it in its own goroutine.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)

	// Stop cancels this context so that a turn blocked in an external call
	// (LLM, search, send) unwinds immediately instead of finishing against a
	// room that is being torn down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancelRun = cancel
	p.mu.Unlock()

	sub, err := p.cfg.Gateway.Subscribe(ctx, p.cfg.Room)
	if err != nil {
		return fmt.Errorf("pipeline: subscribe to room: %w", err)
	}
	defer sub.Close()
	defer p.closeSTT()

	p.log.Info("pipeline started")
	for {
		select {
		case <-ctx.Done():
			if p.stopRequested() {
				p.sendStopCommand(ctx)
				return nil
			}
			return ctx.Err()
		case <-p.stopped:
			p.sendStopCommand(ctx)
			return nil
		case fn := <-p.work:
			fn()
		case ev, ok := <-sub.Events():
			if !ok {
				p.log.Warn("room subscription closed")
				p.fire(p.cfg.Callbacks.OnTransportLost)
				return ErrSubscriptionClosed
			}
			p.handleEvent(ctx, ev)
		case utt, ok := <-p.utterances:
			if !ok {
				p.utterances = nil
				continue
			}
			p.runTurn(ctx, utt)
		}
	}
}

// Stop requests the pipeline to shut down and aborts any in-flight turn work.
// Safe to call more than once and before Run.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.mu.Lock()
		cancel := p.cancelRun
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Done is closed once Run has returned. Callers that need the pipeline fully
// drained (no more commands in flight) wait on it after Stop.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) stopRequested() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// SetDegraded flips the degraded flag from outside the actor. While degraded,
// no playback commands are emitted; play_clip tool calls fail with a
// machine-readable error the model can react to.
func (p *Pipeline) SetDegraded(on bool) {
	p.mu.Lock()
	changed := p.degraded != on
	p.degraded = on
	p.mu.Unlock()
	if !changed {
		return
	}
	if on {
		p.fire(p.cfg.Callbacks.OnTransportLost)
	} else {
		p.fire(p.cfg.Callbacks.OnTransportRestored)
	}
}

// CommandSeq returns the sequence number of the last emitted playback command.
func (p *Pipeline) CommandSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commandSeq
}

// UserSpeaking reports whether audio arrived more recently than the last
// finalized utterance, i.e. the user is mid-sentence.
func (p *Pipeline) UserSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAudioAt.After(p.lastUtteranceAt)
}

// ─── Event handling ───────────────────────────────────────────────────────────

func (p *Pipeline) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventParticipantJoined:
		p.handleJoin(ev)
	case transport.EventParticipantLeft:
		p.handleLeave(ev)
	case transport.EventAudioFrame:
		p.handleAudio(ctx, ev.Frame)
	case transport.EventAppMessage:
		p.handleAppMessage(ctx, ev)
	case transport.EventGap:
		// The subscription was down and has recovered; events in between are
		// lost. Record the bounce so the session state reflects it.
		p.log.Warn("transport event gap", "downtime", ev.Downtime)
		p.SetDegraded(true)
		p.SetDegraded(false)
	}
}

func (p *Pipeline) handleJoin(ev transport.Event) {
	if ev.IsBot {
		return
	}
	if p.participantID != "" && p.participantID != ev.ParticipantID {
		// One user per session; extra participants are ignored.
		p.log.Warn("ignoring additional participant", "participant", ev.ParticipantID)
		return
	}
	p.participantID = ev.ParticipantID
	p.log.Info("participant joined", "participant", ev.ParticipantID)
	p.metrics.ActiveParticipants.Add(context.Background(), 1)
	p.fire(p.cfg.Callbacks.OnActivity)
	if cb := p.cfg.Callbacks.OnParticipantJoined; cb != nil {
		cb(ev.ParticipantID)
	}
}

func (p *Pipeline) handleLeave(ev transport.Event) {
	if ev.ParticipantID != p.participantID {
		return
	}
	p.log.Info("participant left", "participant", ev.ParticipantID)
	p.participantID = ""
	p.metrics.ActiveParticipants.Add(context.Background(), -1)
	p.closeSTT()
	if cb := p.cfg.Callbacks.OnParticipantLeft; cb != nil {
		cb(ev.ParticipantID)
	}
}

func (p *Pipeline) handleAudio(ctx context.Context, frame types.AudioFrame) {
	if p.participantID == "" || frame.ParticipantID != p.participantID {
		return
	}
	if p.stt == nil {
		sess, err := p.cfg.Transcriber.StartStream(ctx, transcribe.StreamConfig{
			SampleRate:    frame.SampleRate,
			Channels:      frame.Channels,
			Language:      p.cfg.Language,
			ParticipantID: frame.ParticipantID,
		})
		if err != nil {
			p.log.Error("starting transcription stream", "error", err)
			p.cfg.Journal.Append(journal.Observation{
				Kind:      journal.KindError,
				ErrorKind: "transcription",
				Text:      err.Error(),
			})
			return
		}
		p.stt = sess
		p.utterances = sess.Utterances()
	}

	p.mu.Lock()
	p.lastAudioAt = time.Now()
	p.mu.Unlock()

	if err := p.stt.SendAudio(frame.Data); err != nil {
		if !errors.Is(err, transcribe.ErrSessionClosed) {
			p.log.Warn("forwarding audio to transcriber", "error", err)
		}
	}
}

// edgeEvent is the JSON shape of edge-to-orchestrator app messages.
type edgeEvent struct {
	Event      string `json:"event"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	CommandSeq uint64 `json:"command_seq"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

func (p *Pipeline) handleAppMessage(ctx context.Context, ev transport.Event) {
	var msg edgeEvent
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		p.log.Warn("undecodable app message", "from", ev.ParticipantID, "error", err)
		return
	}

	// Optional edge-side transcription path: the edge injects text directly
	// instead of streaming audio.
	if msg.Type == "user-transcription" {
		p.runTurn(ctx, types.Utterance{
			Text:          msg.Text,
			ParticipantID: ev.ParticipantID,
			ReceivedAt:    time.Now(),
		})
		return
	}

	switch msg.Event {
	case "capture_started":
		p.cfg.Journal.Append(journal.Observation{
			Kind: journal.KindProcessEvent,
			Text: "edge capture started",
		})
	case "playback_finished":
		p.cfg.Journal.Append(journal.Observation{
			Kind:       journal.KindClipPlayed,
			CommandSeq: msg.CommandSeq,
		})
	case "edge_error":
		p.log.Warn("edge reported error", "kind", msg.Kind, "detail", msg.Detail)
		p.cfg.Journal.Append(journal.Observation{
			Kind:      journal.KindError,
			ErrorKind: "edge",
			Text:      fmt.Sprintf("%s: %s", msg.Kind, msg.Detail),
		})
	default:
		p.log.Debug("unhandled app message", "event", msg.Event, "type", msg.Type)
	}
}

func (p *Pipeline) closeSTT() {
	if p.stt != nil {
		_ = p.stt.Close()
		p.stt = nil
	}
}

// fire invokes a no-argument callback if set.
func (p *Pipeline) fire(cb func()) {
	if cb != nil {
		cb()
	}
}

// sendStopCommand tells the player to return to idle during teardown. Best
// effort: the room may already be gone.
func (p *Pipeline) sendStopCommand(ctx context.Context) {
	p.mu.Lock()
	p.commandSeq++
	seq := p.commandSeq
	p.mu.Unlock()

	payload, err := json.Marshal(playbackMessage{
		Type:       "video-playback-command",
		Action:     "stop",
		CommandSeq: seq,
		IssuedAt:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
	defer cancel()
	if err := p.cfg.Gateway.SendAppMessage(sendCtx, p.cfg.Room.Name, payload, transport.Broadcast); err != nil {
		p.log.Debug("stop command not delivered", "error", err)
	}
}
