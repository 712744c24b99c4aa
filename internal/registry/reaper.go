package registry

import (
	"context"
	"log/slog"
	"time"
)

// Deadlines are the lifecycle timeouts the reaper enforces.
type Deadlines struct {
	// Connect bounds how long a session may sit in Connecting before the
	// first participant arrives.
	Connect time.Duration

	// Idle bounds how long an Active session may go without any activity.
	Idle time.Duration

	// DegradedGrace bounds how long a session may stay Degraded before the
	// transport is considered lost for good.
	DegradedGrace time.Duration
}

// ReapReason names why the reaper condemned a session.
type ReapReason string

const (
	ReasonConnectTimeout ReapReason = "connect_timeout"
	ReasonIdle           ReapReason = "idle"
	ReasonTransportLost  ReapReason = "transport_lost"
)

// TerminateFunc tears down a condemned session. It is called outside the
// registry lock and must be safe to call for sessions that are already
// terminating.
type TerminateFunc func(ctx context.Context, sessionID string, reason ReapReason)

// Reaper periodically sweeps the registry for sessions that blew a lifecycle
// deadline and hands them to the terminate callback.
type Reaper struct {
	reg       *Registry
	deadlines Deadlines
	interval  time.Duration
	terminate TerminateFunc
	log       *slog.Logger
}

// NewReaper creates a reaper sweeping reg every interval.
func NewReaper(reg *Registry, deadlines Deadlines, interval time.Duration, terminate TerminateFunc, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		reg:       reg,
		deadlines: deadlines,
		interval:  interval,
		terminate: terminate,
		log:       log,
	}
}

// Run sweeps until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass, terminating every session past a deadline.
// Exported so tests can drive the reaper without waiting on the ticker.
func (rp *Reaper) Sweep(ctx context.Context) {
	now := rp.reg.now()
	for _, snap := range rp.reg.List() {
		reason, expired := rp.expired(snap, now)
		if !expired {
			continue
		}
		rp.log.Info("reaping session",
			"session", snap.ID, "state", snap.State, "reason", string(reason))
		rp.terminate(ctx, snap.ID, reason)
	}
}

// expired checks one session snapshot against the deadlines.
func (rp *Reaper) expired(snap Snapshot, now time.Time) (ReapReason, bool) {
	switch snap.State {
	case StateConnecting.String():
		if rp.deadlines.Connect > 0 && now.Sub(snap.CreatedAt) > rp.deadlines.Connect {
			return ReasonConnectTimeout, true
		}
	case StateActive.String():
		if rp.deadlines.Idle > 0 && now.Sub(snap.LastActivityAt) > rp.deadlines.Idle {
			return ReasonIdle, true
		}
	case StateDegraded.String():
		if rp.deadlines.DegradedGrace > 0 && now.Sub(snap.StateChangedAt) > rp.deadlines.DegradedGrace {
			return ReasonTransportLost, true
		}
	}
	return "", false
}
