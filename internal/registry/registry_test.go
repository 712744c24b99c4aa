package registry_test

import (
	"errors"
	"testing"

	"github.com/reeltalk/reeltalk/internal/journal"
	"github.com/reeltalk/reeltalk/internal/registry"
	"github.com/reeltalk/reeltalk/pkg/transport"
)

func testRoom(name string) transport.Room {
	return transport.Room{Name: name, URL: "https://rooms.example/" + name}
}

func TestCreateAssignsIDAndStartsProvisioning(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	s, err := reg.Create(testRoom("r1"), journal.New())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Error("session should get an ID")
	}

	state, err := reg.State(s.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != registry.StateProvisioning {
		t.Errorf("state = %v, want provisioning", state)
	}
}

func TestCreateRejectsDuplicateRoom(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	if _, err := reg.Create(testRoom("r1"), journal.New()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := reg.Create(testRoom("r1"), journal.New())
	if !errors.Is(err, registry.ErrRoomInUse) {
		t.Errorf("duplicate room error = %v, want ErrRoomInUse", err)
	}
}

func TestGetByRoom(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	s, _ := reg.Create(testRoom("r1"), journal.New())

	got, err := reg.GetByRoom("r1")
	if err != nil {
		t.Fatalf("GetByRoom: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("GetByRoom returned %s, want %s", got.ID, s.ID)
	}

	if _, err := reg.GetByRoom("nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("missing room error = %v, want ErrNotFound", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	s, _ := reg.Create(testRoom("r1"), journal.New())

	steps := []registry.State{
		registry.StateConnecting,
		registry.StateActive,
		registry.StateDegraded,
		registry.StateActive,
		registry.StateTerminating,
		registry.StateTerminated,
	}
	for _, to := range steps {
		if err := reg.Advance(s.ID, to); err != nil {
			t.Fatalf("Advance to %v: %v", to, err)
		}
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path []registry.State
		to   registry.State
	}{
		{"provisioning to active", nil, registry.StateActive},
		{"connecting to degraded", []registry.State{registry.StateConnecting}, registry.StateDegraded},
		{"terminated is final", []registry.State{registry.StateTerminating, registry.StateTerminated}, registry.StateConnecting},
		{"no resurrect from terminating", []registry.State{registry.StateTerminating}, registry.StateActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := registry.New()
			s, _ := reg.Create(testRoom("r1"), journal.New())
			for _, step := range tt.path {
				if err := reg.Advance(s.ID, step); err != nil {
					t.Fatalf("setup Advance to %v: %v", step, err)
				}
			}
			if err := reg.Advance(s.ID, tt.to); err == nil {
				t.Errorf("Advance to %v should have been rejected", tt.to)
			}
		})
	}
}

func TestAdvanceSameStateIsNoop(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	s, _ := reg.Create(testRoom("r1"), journal.New())
	_ = reg.Advance(s.ID, registry.StateConnecting)

	if err := reg.Advance(s.ID, registry.StateConnecting); err != nil {
		t.Errorf("re-advancing to the current state should be a no-op, got %v", err)
	}
}

func TestRemoveRequiresTerminated(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	s, _ := reg.Create(testRoom("r1"), journal.New())

	if err := reg.Remove(s.ID); !errors.Is(err, registry.ErrNotTerminated) {
		t.Errorf("Remove in provisioning: error = %v, want ErrNotTerminated", err)
	}

	_ = reg.Advance(s.ID, registry.StateTerminating)
	_ = reg.Advance(s.ID, registry.StateTerminated)
	if err := reg.Remove(s.ID); err != nil {
		t.Fatalf("Remove terminated session: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d after remove, want 0", reg.Len())
	}

	// The room is free again.
	if _, err := reg.Create(testRoom("r1"), journal.New()); err != nil {
		t.Errorf("room should be reusable after removal: %v", err)
	}
}

func TestStopInvokesPipelineTeardown(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	s, _ := reg.Create(testRoom("r1"), journal.New())

	stopped := false
	reg.SetStop(s.ID, func() { stopped = true })
	reg.Stop(s.ID)
	if !stopped {
		t.Error("Stop should invoke the registered teardown")
	}

	// Stop with no teardown registered must not panic.
	s2, _ := reg.Create(testRoom("r2"), journal.New())
	reg.Stop(s2.ID)
}

func TestListSnapshots(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	_, _ = reg.Create(testRoom("r1"), journal.New())
	s2, _ := reg.Create(testRoom("r2"), journal.New())
	_ = reg.Advance(s2.ID, registry.StateConnecting)

	snaps := reg.List()
	if len(snaps) != 2 {
		t.Fatalf("List returned %d snapshots, want 2", len(snaps))
	}
	states := map[string]string{}
	for _, sn := range snaps {
		states[sn.RoomName] = sn.State
	}
	if states["r1"] != "provisioning" || states["r2"] != "connecting" {
		t.Errorf("snapshot states = %v", states)
	}
}
