// Package supervise tracks edge device processes registered to sessions and
// terminates them on cleanup.
//
// Edge devices (the capture and player processes running on the Pi clients)
// report their PIDs when they register; cleanup escalates from SIGTERM to
// SIGKILL and verifies nothing survived. Process control goes through the
// Runner seam so tests can script process behavior without real PIDs.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/reeltalk/reeltalk/pkg/types"
)

// ErrTerminationFailed indicates at least one process survived SIGKILL.
var ErrTerminationFailed = errors.New("supervise: process survived termination")

const (
	defaultSoftWait     = 3 * time.Second
	defaultForceWait    = 2 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Runner abstracts process signalling so tests can inject fakes.
type Runner interface {
	// Signal delivers sig to pid.
	Signal(pid int, sig syscall.Signal) error

	// Alive reports whether pid refers to a running process.
	Alive(pid int) bool
}

// Outcome describes how a single process termination ended.
type Outcome string

const (
	// OutcomeExited means the process left on SIGTERM within the soft wait.
	OutcomeExited Outcome = "exited"

	// OutcomeKilled means the process needed SIGKILL.
	OutcomeKilled Outcome = "killed"

	// OutcomeSurvived means the process is still alive after SIGKILL.
	OutcomeSurvived Outcome = "survived"

	// OutcomeGone means the process was already dead when cleanup started.
	OutcomeGone Outcome = "gone"
)

// ProcessReport is the termination result for one registered process.
type ProcessReport struct {
	Role    types.EdgeRole `json:"role"`
	PID     int            `json:"pid"`
	Outcome Outcome        `json:"outcome"`
}

// Report summarizes a session's process cleanup.
type Report struct {
	Processes []ProcessReport `json:"processes"`

	// Clean is true when no process survived.
	Clean bool `json:"clean"`
}

// Supervisor tracks registered edge PIDs per session. Safe for concurrent use.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]map[types.EdgeRole]int

	runner       Runner
	softWait     time.Duration
	forceWait    time.Duration
	pollInterval time.Duration
	log          *slog.Logger
}

// Option is a functional option for Supervisor.
type Option func(*Supervisor)

// WithRunner overrides the process runner. Intended for tests.
func WithRunner(r Runner) Option {
	return func(s *Supervisor) {
		s.runner = r
	}
}

// WithWaits overrides the SIGTERM and SIGKILL wait windows.
func WithWaits(soft, force time.Duration) Option {
	return func(s *Supervisor) {
		if soft > 0 {
			s.softWait = soft
		}
		if force > 0 {
			s.forceWait = force
		}
	}
}

// WithPollInterval overrides how often liveness is re-checked while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		s.log = log
	}
}

// New creates a Supervisor with the local process runner.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		sessions:     make(map[string]map[types.EdgeRole]int),
		runner:       localRunner{},
		softWait:     defaultSoftWait,
		forceWait:    defaultForceWait,
		pollInterval: defaultPollInterval,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register records pid as the session's process for role, replacing any
// previous registration for that role.
func (s *Supervisor) Register(sessionID string, role types.EdgeRole, pid int) error {
	if !role.IsValid() {
		return fmt.Errorf("supervise: unknown edge role %q", role)
	}
	if pid <= 0 {
		return fmt.Errorf("supervise: invalid pid %d", pid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	procs, ok := s.sessions[sessionID]
	if !ok {
		procs = make(map[types.EdgeRole]int)
		s.sessions[sessionID] = procs
	}
	if old, ok := procs[role]; ok && old != pid {
		s.log.Warn("replacing registered edge pid",
			"session", sessionID, "role", role, "old_pid", old, "new_pid", pid)
	}
	procs[role] = pid
	return nil
}

// Registered returns the session's registered processes by role.
func (s *Supervisor) Registered(sessionID string) map[types.EdgeRole]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.EdgeRole]int, len(s.sessions[sessionID]))
	for role, pid := range s.sessions[sessionID] {
		out[role] = pid
	}
	return out
}

// Terminate stops every process registered to the session, escalating from
// SIGTERM to SIGKILL, and drops the session's registrations. The report lists
// the outcome per process; ErrTerminationFailed is returned alongside the
// report when anything survived.
func (s *Supervisor) Terminate(ctx context.Context, sessionID string) (Report, error) {
	s.mu.Lock()
	procs := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	// Capture goes down first so no audio is flowing while the player is
	// stopped.
	report := Report{Clean: true}
	for _, role := range []types.EdgeRole{types.EdgeCapture, types.EdgePlayer} {
		pid, ok := procs[role]
		if !ok {
			continue
		}
		pr := s.terminateOne(ctx, role, pid)
		if pr.Outcome == OutcomeSurvived {
			report.Clean = false
		}
		report.Processes = append(report.Processes, pr)
	}

	if !report.Clean {
		return report, ErrTerminationFailed
	}
	return report, nil
}

// terminateOne walks one process through the SIGTERM → SIGKILL escalation.
func (s *Supervisor) terminateOne(ctx context.Context, role types.EdgeRole, pid int) ProcessReport {
	pr := ProcessReport{Role: role, PID: pid}

	if !s.runner.Alive(pid) {
		pr.Outcome = OutcomeGone
		return pr
	}

	// A failed SIGTERM on a live process usually means a permission problem;
	// SIGKILL below will hit the same wall, but try anyway.
	if err := s.runner.Signal(pid, syscall.SIGTERM); err != nil {
		s.log.Warn("sigterm failed", "role", role, "pid", pid, "error", err)
	}
	if s.awaitExit(ctx, pid, s.softWait) {
		pr.Outcome = OutcomeExited
		return pr
	}

	s.log.Warn("process ignored sigterm, escalating", "role", role, "pid", pid)
	if err := s.runner.Signal(pid, syscall.SIGKILL); err != nil {
		s.log.Error("sigkill failed", "role", role, "pid", pid, "error", err)
	}
	if s.awaitExit(ctx, pid, s.forceWait) {
		pr.Outcome = OutcomeKilled
		return pr
	}

	s.log.Error("process survived sigkill", "role", role, "pid", pid)
	pr.Outcome = OutcomeSurvived
	return pr
}

// awaitExit polls liveness until the process dies, the window expires, or ctx
// is cancelled. Returns true when the process is gone.
func (s *Supervisor) awaitExit(ctx context.Context, pid int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if !s.runner.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !s.runner.Alive(pid)
		case <-time.After(s.pollInterval):
		}
	}
}

// VerifyClean re-checks that none of the report's processes are running.
func (s *Supervisor) VerifyClean(report Report) bool {
	for _, pr := range report.Processes {
		if s.runner.Alive(pr.PID) {
			return false
		}
	}
	return true
}

// localRunner signals real processes on the local host.
type localRunner struct{}

// Signal delivers sig to pid via the kernel.
func (localRunner) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Alive probes pid with the null signal.
func (localRunner) Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
