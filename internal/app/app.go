// Package app wires all ReelTalk subsystems into a running orchestrator.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops, and Shutdown tears
// everything down in order. App implements facade.Orchestrator, so the HTTP
// layer is a thin shell around it.
//
// For testing, inject mock implementations via the Providers struct and the
// functional options (WithRegistry, WithSupervisor, etc.). When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reeltalk/reeltalk/internal/config"
	"github.com/reeltalk/reeltalk/internal/facade"
	"github.com/reeltalk/reeltalk/internal/journal"
	"github.com/reeltalk/reeltalk/internal/observe"
	"github.com/reeltalk/reeltalk/internal/pipeline"
	"github.com/reeltalk/reeltalk/internal/registry"
	"github.com/reeltalk/reeltalk/internal/supervise"
	"github.com/reeltalk/reeltalk/pkg/clipsearch"
	"github.com/reeltalk/reeltalk/pkg/provider/llm"
	"github.com/reeltalk/reeltalk/pkg/transcribe"
	"github.com/reeltalk/reeltalk/pkg/transport"
	"github.com/reeltalk/reeltalk/pkg/types"
)

const (
	// reapInterval is how often the session reaper sweeps the registry.
	reapInterval = 10 * time.Second

	// cleanupTimeout bounds one session teardown triggered internally (by
	// the reaper or a fatal pipeline error).
	cleanupTimeout = 10 * time.Second
)

// Providers holds one interface value per external dependency slot.
// Populated by main.go from the config; tests inject mocks.
type Providers struct {
	Gateway     transport.Gateway
	Transcriber transcribe.Provider
	LLM         llm.Provider
	Search      clipsearch.Searcher
}

// App owns all subsystem lifetimes and orchestrates conversation sessions.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	registry   *registry.Registry
	supervisor *supervise.Supervisor
	reaper     *registry.Reaper
	metrics    *observe.Metrics

	// rootCtx outlives individual HTTP requests; session pipelines run on
	// it so a finished /connect request does not kill its session.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline

	// terminated remembers the room URL and name of every fully torn-down
	// session, so repeated cleanup calls stay idempotent.
	terminated map[string]struct{}

	// wg tracks running pipeline goroutines for Shutdown.
	wg sync.WaitGroup

	stopOnce sync.Once
}

// App is the production Orchestrator behind the HTTP facade.
var _ facade.Orchestrator = (*App)(nil)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects a session registry instead of creating a fresh one.
func WithRegistry(r *registry.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithSupervisor injects a process supervisor instead of creating one.
func WithSupervisor(s *supervise.Supervisor) Option {
	return func(a *App) { a.supervisor = s }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger injects the logger used by the app and its sessions.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go; every slot is required.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	switch {
	case providers == nil:
		return nil, errors.New("app: providers are required")
	case providers.Gateway == nil:
		return nil, errors.New("app: transport gateway is required")
	case providers.Transcriber == nil:
		return nil, errors.New("app: transcription provider is required")
	case providers.LLM == nil:
		return nil, errors.New("app: llm provider is required")
	case providers.Search == nil:
		return nil, errors.New("app: clip searcher is required")
	}

	a := &App{
		cfg:        cfg,
		providers:  providers,
		pipelines:  make(map[string]*pipeline.Pipeline),
		terminated: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.registry == nil {
		a.registry = registry.New()
	}
	if a.supervisor == nil {
		a.supervisor = supervise.New(supervise.WithLogger(a.log))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.reaper = registry.NewReaper(a.registry, registry.Deadlines{
		Connect:       cfg.ConnectTimeout(),
		Idle:          cfg.IdleTimeout(),
		DegradedGrace: cfg.TransportGrace(),
	}, reapInterval, a.reapSession, a.log)

	a.rootCtx, a.rootCancel = context.WithCancel(context.Background())
	return a, nil
}

// ─── Orchestrator operations ─────────────────────────────────────────────────

// Connect provisions a room, registers a session, and starts its pipeline.
func (a *App) Connect(ctx context.Context) (facade.ConnectResult, error) {
	room, err := a.providers.Gateway.CreateRoom(ctx)
	if err != nil {
		return facade.ConnectResult{}, fmt.Errorf("app: create room: %w", err)
	}

	j := journal.New(journal.WithRetention(a.cfg.Journal.RetentionEntries))
	sess, err := a.registry.Create(room, j)
	if err != nil {
		a.destroyRoom(room.Name)
		return facade.ConnectResult{}, fmt.Errorf("app: register session: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		SessionID:     sess.ID,
		Room:          room,
		Journal:       j,
		Gateway:       a.providers.Gateway,
		Transcriber:   a.providers.Transcriber,
		LLM:           a.providers.LLM,
		Search:        a.providers.Search,
		Language:      a.cfg.Transcribe.Language,
		ContextTurns:  a.cfg.LLM.ContextTurns,
		LLMTimeout:    a.cfg.TurnTimeout(),
		SearchTimeout: a.cfg.SearchTimeout(),
		Callbacks:     a.sessionCallbacks(sess.ID),
		Logger:        a.log,
		Metrics:       a.metrics,
	})
	if err != nil {
		a.abortSession(sess.ID, room.Name)
		return facade.ConnectResult{}, fmt.Errorf("app: build pipeline: %w", err)
	}

	a.mu.Lock()
	a.pipelines[sess.ID] = p
	a.mu.Unlock()
	a.registry.SetStop(sess.ID, p.Stop)

	if err := a.registry.Advance(sess.ID, registry.StateConnecting); err != nil {
		a.abortSession(sess.ID, room.Name)
		return facade.ConnectResult{}, fmt.Errorf("app: advance session: %w", err)
	}

	a.metrics.ActiveSessions.Add(ctx, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := p.Run(a.rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("pipeline exited", "session", sess.ID, "error", err)
		}
	}()

	a.log.Info("session connected", "session", sess.ID, "room", room.Name)
	return facade.ConnectResult{
		RoomURL:    room.URL,
		BotToken:   room.BotToken,
		Identifier: sess.ID,
	}, nil
}

// ListRooms snapshots every session in the registry.
func (a *App) ListRooms() []facade.RoomSnapshot {
	snaps := a.registry.List()
	out := make([]facade.RoomSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		pids := a.supervisor.Registered(snap.ID)
		out = append(out, facade.RoomSnapshot{
			RoomURL:         snap.RoomURL,
			Identifier:      snap.ID,
			State:           snap.State,
			CreatedAt:       snap.CreatedAt,
			BotRunning:      snap.State == registry.StateActive.String() || snap.State == registry.StateDegraded.String(),
			BotPID:          os.Getpid(),
			PiClientPID:     pids[types.EdgeCapture],
			VideoServicePID: pids[types.EdgePlayer],
		})
	}
	return out
}

// RegisterEdge attaches an externally spawned edge PID to the session owning
// the room.
func (a *App) RegisterEdge(roomURL string, role types.EdgeRole, pid int) error {
	sess, err := a.sessionByRoomURL(roomURL)
	if err != nil {
		return err
	}
	state, err := a.registry.State(sess.ID)
	if err != nil {
		return err
	}
	if state != registry.StateConnecting && state != registry.StateActive {
		return fmt.Errorf("%w: session %s is %s, edge processes attach only while connecting or active",
			registry.ErrWrongState, sess.ID, state)
	}
	if err := a.supervisor.Register(sess.ID, role, pid); err != nil {
		return fmt.Errorf("app: register %s pid %d: %w", role, pid, err)
	}
	a.log.Info("edge process registered", "session", sess.ID, "role", role, "pid", pid)
	return nil
}

// CleanupRoom tears the room's session down and reports the outcome.
func (a *App) CleanupRoom(ctx context.Context, roomURL string) (facade.CleanupReport, error) {
	sess, err := a.sessionByRoomURL(roomURL)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) && a.roomTerminated(roomURL) {
			// Cleanup already ran for this room; repeating it is a success.
			return terminalReport(), nil
		}
		return facade.CleanupReport{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	return a.terminateSession(ctx, sess.ID, "cleanup_requested")
}

// ConversationStatus projects the session journal past the cursor.
func (a *App) ConversationStatus(identifier string, cursor uint64) (facade.StatusResult, error) {
	sess, err := a.registry.Get(identifier)
	if err != nil {
		return facade.StatusResult{}, err
	}
	state, err := a.registry.State(identifier)
	if err != nil {
		return facade.StatusResult{}, err
	}

	res := facade.StatusResult{
		State: state.String(),
		Context: facade.StatusContext{
			StatusMessages:    sess.Journal.Since(cursor),
			TotalMessageCount: sess.Journal.LastSeq(),
		},
	}
	if p := a.pipeline(identifier); p != nil {
		res.UserSpeaking = p.UserSpeaking()
		res.CommandSeq = p.CommandSeq()
	}
	return res, nil
}

// ─── Session lifecycle ───────────────────────────────────────────────────────

// sessionCallbacks wires pipeline lifecycle notifications into the registry.
func (a *App) sessionCallbacks(id string) pipeline.Callbacks {
	return pipeline.Callbacks{
		OnParticipantJoined: func(participantID string) {
			a.advance(id, registry.StateActive)
		},
		OnParticipantLeft: func(participantID string) {
			// The idle deadline takes the session down if nobody returns.
			a.log.Info("participant left session", "session", id, "participant", participantID)
		},
		OnTransportLost: func() {
			a.advance(id, registry.StateDegraded)
		},
		OnTransportRestored: func() {
			a.advance(id, registry.StateActive)
		},
		OnActivity: func() {
			a.registry.Touch(id)
		},
		OnFatal: func(reason string) {
			a.log.Error("session unrecoverable", "session", id, "reason", reason)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
				defer cancel()
				if _, err := a.terminateSession(ctx, id, "fatal_"+reason); err != nil {
					a.log.Error("terminating failed session", "session", id, "error", err)
				}
			}()
		},
	}
}

// advance moves the session state, logging instead of failing on races with
// teardown.
func (a *App) advance(id string, to registry.State) {
	if err := a.registry.Advance(id, to); err != nil {
		a.log.Debug("state transition rejected", "session", id, "to", to.String(), "error", err)
	}
}

// reapSession is the reaper's terminate callback.
func (a *App) reapSession(ctx context.Context, sessionID string, reason registry.ReapReason) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if _, err := a.terminateSession(ctx, sessionID, string(reason)); err != nil {
		a.log.Error("reaping session failed", "session", sessionID, "error", err)
	}
}

// terminateSession walks one session through the full teardown: stop the
// pipeline, terminate edge processes, destroy the room, release the registry
// slot. Already-terminating sessions return an empty report.
func (a *App) terminateSession(ctx context.Context, id, reason string) (facade.CleanupReport, error) {
	sess, err := a.registry.Get(id)
	if err != nil {
		return facade.CleanupReport{}, err
	}
	if err := a.registry.Advance(id, registry.StateTerminating); err != nil {
		// Another caller owns the teardown; wait for it to finish so this
		// caller also observes the terminal state.
		a.log.Debug("session already terminating", "session", id)
		return a.awaitTerminated(ctx, id)
	}
	a.log.Info("terminating session", "session", id, "reason", reason)

	var report facade.CleanupReport

	// The pipeline aborts any in-flight turn, sends its stop command, and
	// exits. Waiting on Done guarantees no playback command can race the
	// teardown steps below.
	a.registry.Stop(id)
	report.BotTerminated = true
	if p := a.pipeline(id); p != nil {
		select {
		case <-p.Done():
		case <-ctx.Done():
			report.BotTerminated = false
			report.Errors = append(report.Errors, "pipeline did not stop before the cleanup deadline")
		}
	}

	procReport, perr := a.supervisor.Terminate(ctx, id)
	if perr != nil {
		report.Errors = append(report.Errors, perr.Error())
	}
	for _, pr := range procReport.Processes {
		ok := pr.Outcome != supervise.OutcomeSurvived
		switch pr.Role {
		case types.EdgeCapture:
			report.PiClientTerminated = ok
		case types.EdgePlayer:
			report.VideoServiceTerminated = ok
		}
	}
	if !a.supervisor.VerifyClean(procReport) {
		report.Errors = append(report.Errors, "termination failed: an edge process is still running")
	}

	if err := a.providers.Gateway.DestroyRoom(ctx, sess.Room.Name); err != nil {
		a.log.Warn("destroying room", "room", sess.Room.Name, "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("destroy room: %v", err))
	}

	a.advance(id, registry.StateTerminated)

	// Record the finished room before releasing the registry slot so a
	// concurrent cleanup never sees neither.
	a.mu.Lock()
	delete(a.pipelines, id)
	a.terminated[sess.Room.URL] = struct{}{}
	a.terminated[sess.Room.Name] = struct{}{}
	a.mu.Unlock()

	if err := a.registry.Remove(id); err != nil {
		a.log.Warn("removing session", "session", id, "error", err)
	}
	a.metrics.ActiveSessions.Add(ctx, -1)

	a.log.Info("session terminated", "session", id, "clean", len(report.Errors) == 0)
	return report, nil
}

// awaitTerminated blocks until a teardown owned by another caller completes,
// then reports the finished state.
func (a *App) awaitTerminated(ctx context.Context, id string) (facade.CleanupReport, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := a.registry.State(id)
		if errors.Is(err, registry.ErrNotFound) || (err == nil && state == registry.StateTerminated) {
			return terminalReport(), nil
		}
		select {
		case <-ctx.Done():
			return facade.CleanupReport{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// roomTerminated reports whether a room was already fully cleaned up.
func (a *App) roomTerminated(roomURL string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.terminated[roomURL]
	return ok
}

// terminalReport is the all-clear report for an already-finished teardown.
func terminalReport() facade.CleanupReport {
	return facade.CleanupReport{
		BotTerminated:          true,
		PiClientTerminated:     true,
		VideoServiceTerminated: true,
	}
}

// abortSession releases a half-built session during a failed Connect.
func (a *App) abortSession(id, roomName string) {
	a.advance(id, registry.StateTerminating)
	a.advance(id, registry.StateTerminated)
	if err := a.registry.Remove(id); err != nil {
		a.log.Warn("removing aborted session", "session", id, "error", err)
	}
	a.mu.Lock()
	delete(a.pipelines, id)
	a.mu.Unlock()
	a.destroyRoom(roomName)
}

// destroyRoom is a best-effort room delete detached from the caller's context.
func (a *App) destroyRoom(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := a.providers.Gateway.DestroyRoom(ctx, name); err != nil {
		a.log.Warn("destroying room", "room", name, "error", err)
	}
}

// sessionByRoomURL resolves a session by its room join URL. The room name is
// accepted too, for callers that only kept the short form.
func (a *App) sessionByRoomURL(roomURL string) (*registry.Session, error) {
	for _, snap := range a.registry.List() {
		if snap.RoomURL == roomURL || snap.RoomName == roomURL {
			return a.registry.Get(snap.ID)
		}
	}
	return nil, fmt.Errorf("%w: room %s", registry.ErrNotFound, roomURL)
}

// pipeline returns the live pipeline for a session, or nil.
func (a *App) pipeline(id string) *pipeline.Pipeline {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pipelines[id]
}

// ─── Run and Shutdown ────────────────────────────────────────────────────────

// Run starts the background loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.reaper.Run(gctx)
		return nil
	})

	a.log.Info("orchestrator running",
		"sessions", a.registry.Len(), "listen_addr", a.cfg.Server.ListenAddr)
	_ = g.Wait()
	return ctx.Err()
}

// Shutdown terminates every live session and stops the pipelines. It respects
// the context deadline: teardown stops early when ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		snaps := a.registry.List()
		a.log.Info("shutting down", "sessions", len(snaps))

		for _, snap := range snaps {
			if ctx.Err() != nil {
				shutdownErr = ctx.Err()
				break
			}
			if _, err := a.terminateSession(ctx, snap.ID, "shutdown"); err != nil {
				a.log.Warn("session teardown during shutdown", "session", snap.ID, "error", err)
			}
		}

		a.rootCancel()

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.log.Info("shutdown complete")
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded with pipelines still running")
			shutdownErr = ctx.Err()
		}
	})
	return shutdownErr
}
