package supervise_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/reeltalk/reeltalk/internal/supervise"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// fakeRunner scripts process behavior per pid.
type fakeRunner struct {
	mu sync.Mutex

	// alive holds the pids currently considered running.
	alive map[int]bool

	// dieOn maps a pid to the signal that kills it. Pids absent from the map
	// die on any signal.
	dieOn map[int]syscall.Signal

	// signals records every delivered signal in order.
	signals []signalCall
}

type signalCall struct {
	pid int
	sig syscall.Signal
}

func newFakeRunner(pids ...int) *fakeRunner {
	r := &fakeRunner{alive: map[int]bool{}, dieOn: map[int]syscall.Signal{}}
	for _, pid := range pids {
		r.alive[pid] = true
	}
	return r
}

func (r *fakeRunner) Signal(pid int, sig syscall.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signalCall{pid: pid, sig: sig})
	if !r.alive[pid] {
		return syscall.ESRCH
	}
	if want, ok := r.dieOn[pid]; ok {
		if sig == want {
			r.alive[pid] = false
		}
		return nil
	}
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		r.alive[pid] = false
	}
	return nil
}

func (r *fakeRunner) Alive(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[pid]
}

func (r *fakeRunner) sentSignals(pid int) []syscall.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []syscall.Signal
	for _, c := range r.signals {
		if c.pid == pid {
			out = append(out, c.sig)
		}
	}
	return out
}

func newTestSupervisor(r *fakeRunner) *supervise.Supervisor {
	return supervise.New(
		supervise.WithRunner(r),
		supervise.WithWaits(50*time.Millisecond, 50*time.Millisecond),
		supervise.WithPollInterval(5*time.Millisecond),
		supervise.WithLogger(slog.New(slog.DiscardHandler)),
	)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(newFakeRunner())
	if err := s.Register("s1", "projector", 100); err == nil {
		t.Error("unknown role should be rejected")
	}
	if err := s.Register("s1", types.EdgeCapture, 0); err == nil {
		t.Error("zero pid should be rejected")
	}
	if err := s.Register("s1", types.EdgeCapture, 100); err != nil {
		t.Errorf("valid registration failed: %v", err)
	}
}

func TestRegisterReplacesRole(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(newFakeRunner())
	_ = s.Register("s1", types.EdgePlayer, 100)
	_ = s.Register("s1", types.EdgePlayer, 200)

	got := s.Registered("s1")
	if got[types.EdgePlayer] != 200 {
		t.Errorf("player pid = %d, want 200", got[types.EdgePlayer])
	}
	if len(got) != 1 {
		t.Errorf("registered %d processes, want 1", len(got))
	}
}

func TestTerminateGraceful(t *testing.T) {
	t.Parallel()

	r := newFakeRunner(100, 200)
	s := newTestSupervisor(r)
	_ = s.Register("s1", types.EdgeCapture, 100)
	_ = s.Register("s1", types.EdgePlayer, 200)

	report, err := s.Terminate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !report.Clean {
		t.Error("report should be clean")
	}
	if len(report.Processes) != 2 {
		t.Fatalf("reported %d processes, want 2", len(report.Processes))
	}
	for _, pr := range report.Processes {
		if pr.Outcome != supervise.OutcomeExited {
			t.Errorf("pid %d outcome = %q, want exited", pr.PID, pr.Outcome)
		}
	}
	// Registrations are dropped after terminate.
	if got := s.Registered("s1"); len(got) != 0 {
		t.Errorf("registrations remain after terminate: %v", got)
	}
}

func TestTerminateStopsCaptureBeforePlayer(t *testing.T) {
	t.Parallel()

	r := newFakeRunner(100, 200)
	s := newTestSupervisor(r)
	// Registration order must not matter; capture always goes down first.
	_ = s.Register("s1", types.EdgePlayer, 200)
	_ = s.Register("s1", types.EdgeCapture, 100)

	report, err := s.Terminate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(report.Processes) != 2 {
		t.Fatalf("reported %d processes, want 2", len(report.Processes))
	}
	if report.Processes[0].Role != types.EdgeCapture || report.Processes[1].Role != types.EdgePlayer {
		t.Errorf("termination order = [%s %s], want [capture player]",
			report.Processes[0].Role, report.Processes[1].Role)
	}

	r.mu.Lock()
	first := r.signals[0]
	r.mu.Unlock()
	if first.pid != 100 {
		t.Errorf("first signal went to pid %d, want the capture process 100", first.pid)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	t.Parallel()

	r := newFakeRunner(100)
	r.dieOn[100] = syscall.SIGKILL // ignores SIGTERM
	s := newTestSupervisor(r)
	_ = s.Register("s1", types.EdgeCapture, 100)

	report, err := s.Terminate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if report.Processes[0].Outcome != supervise.OutcomeKilled {
		t.Errorf("outcome = %q, want killed", report.Processes[0].Outcome)
	}

	sigs := r.sentSignals(100)
	if len(sigs) != 2 || sigs[0] != syscall.SIGTERM || sigs[1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGTERM SIGKILL]", sigs)
	}
}

func TestTerminateSurvivor(t *testing.T) {
	t.Parallel()

	r := newFakeRunner(100)
	r.dieOn[100] = syscall.Signal(0) // survives everything
	s := newTestSupervisor(r)
	_ = s.Register("s1", types.EdgePlayer, 100)

	report, err := s.Terminate(context.Background(), "s1")
	if !errors.Is(err, supervise.ErrTerminationFailed) {
		t.Fatalf("Terminate error = %v, want ErrTerminationFailed", err)
	}
	if report.Clean {
		t.Error("report should not be clean")
	}
	if report.Processes[0].Outcome != supervise.OutcomeSurvived {
		t.Errorf("outcome = %q, want survived", report.Processes[0].Outcome)
	}
	if s.VerifyClean(report) {
		t.Error("VerifyClean should report the survivor")
	}
}

func TestTerminateAlreadyDead(t *testing.T) {
	t.Parallel()

	r := newFakeRunner() // pid never alive
	s := newTestSupervisor(r)
	_ = s.Register("s1", types.EdgeCapture, 100)

	report, err := s.Terminate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if report.Processes[0].Outcome != supervise.OutcomeGone {
		t.Errorf("outcome = %q, want gone", report.Processes[0].Outcome)
	}
	// No signals should reach an already dead process.
	if sigs := r.sentSignals(100); len(sigs) != 0 {
		t.Errorf("signals sent to dead process: %v", sigs)
	}
}

func TestTerminateUnknownSession(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(newFakeRunner())
	report, err := s.Terminate(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !report.Clean || len(report.Processes) != 0 {
		t.Errorf("unexpected report for unknown session: %+v", report)
	}
}
