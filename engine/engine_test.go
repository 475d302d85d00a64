package engine

import (
	"context"
	"testing"
	"time"

	"shuttlelink/layout"
	"shuttlelink/plcsim"
	"shuttlelink/signal"
	"shuttlelink/task"
	"shuttlelink/track"
)

// coordFixture builds a coordinator with one simulated single-slot
// device on DB 1, link and ready raised.
func coordFixture(t *testing.T, opts Options) (*Coordinator, *plcsim.Sim, *signal.Map) {
	t.Helper()
	if opts.DispatchStagger == 0 {
		opts.DispatchStagger = 10 * time.Millisecond
	}
	coord := NewCoordinator(opts)

	sim := plcsim.New()
	m, err := signal.DefaultTemplate().Bind(1)
	if err != nil {
		t.Fatalf("bind template: %v", err)
	}
	devOpts := DeviceOptions{CommandTimeout: 10 * time.Second, RecoveryInterval: 10 * time.Millisecond}
	if err := coord.RegisterDevice("lift-a", sim, devOpts, []SlotConfig{{ID: 1, DBNumber: 1}}); err != nil {
		t.Fatalf("register device: %v", err)
	}

	if err := sim.Poke(m.SoftwareConnected, 1); err != nil {
		t.Fatalf("poke link: %v", err)
	}
	if err := sim.Poke(m.DeviceReady, 1); err != nil {
		t.Fatalf("poke ready: %v", err)
	}
	return coord, sim, m
}

func TestCoordinatorOutboundRoundTrip(t *testing.T) {
	coord, sim, m := coordFixture(t, Options{})
	if err := sim.CompleteAfter(m.OutboundTrigger, m.OutboundCompleted, 20*time.Millisecond); err != nil {
		t.Fatalf("script completion: %v", err)
	}

	if err := coord.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coord.Stop()

	if err := coord.Start(); err == nil {
		t.Error("second Start should fail")
	}

	stream, cancel := coord.ObserveResults()
	defer cancel()

	accepted, err := coord.Submit(context.Background(), outboundEnv("CMD-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !accepted {
		t.Fatal("submission not accepted by a running coordinator")
	}

	n := recvNotification(t, stream)
	if n.Outcome != task.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", n.Outcome, n.Message)
	}
	if n.CommandID != "CMD-1" || n.Device != "lift-a" {
		t.Errorf("notification routing: id=%q device=%q", n.CommandID, n.Device)
	}

	waitForState(t, coord.tracker, "CMD-1", track.StateCompleted)

	info, ok := coord.CommandInfo("CMD-1")
	if !ok {
		t.Fatal("command not tracked")
	}
	if info.LastStatus != task.StatusSuccess {
		t.Errorf("last status = %s, want Success", info.LastStatus)
	}

	report := coord.Status()
	if !report.Running {
		t.Error("status should report running")
	}
	if report.Completed != 1 {
		t.Errorf("completed = %d, want 1", report.Completed)
	}
	if stats, ok := report.Devices["lift-a"]; !ok || stats.Succeeded != 1 {
		t.Errorf("device stats = %+v", report.Devices)
	}
}

func TestCoordinatorStartWithoutDevices(t *testing.T) {
	coord := NewCoordinator(Options{})
	if err := coord.Start(); err == nil {
		t.Error("Start with no devices should fail")
	}
}

func TestRegisterDeviceValidation(t *testing.T) {
	sim := plcsim.New()
	slots := []SlotConfig{{ID: 1, DBNumber: 1}}

	tests := []struct {
		name string
		call func(c *Coordinator) error
	}{
		{"empty name", func(c *Coordinator) error {
			return c.RegisterDevice("", sim, DeviceOptions{}, slots)
		}},
		{"nil client", func(c *Coordinator) error {
			return c.RegisterDevice("lift-a", nil, DeviceOptions{}, slots)
		}},
		{"no slots", func(c *Coordinator) error {
			return c.RegisterDevice("lift-a", sim, DeviceOptions{}, nil)
		}},
		{"bad recovery mode", func(c *Coordinator) error {
			return c.RegisterDevice("lift-a", sim, DeviceOptions{RecoveryMode: "psychic"}, slots)
		}},
		{"duplicate slot", func(c *Coordinator) error {
			return c.RegisterDevice("lift-a", sim, DeviceOptions{},
				[]SlotConfig{{ID: 1, DBNumber: 1}, {ID: 1, DBNumber: 2}})
		}},
		{"bad data block", func(c *Coordinator) error {
			return c.RegisterDevice("lift-a", sim, DeviceOptions{}, []SlotConfig{{ID: 1, DBNumber: 0}})
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(NewCoordinator(Options{})); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRegisterWhileRunning(t *testing.T) {
	coord, sim, _ := coordFixture(t, Options{})
	if err := coord.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coord.Stop()

	err := coord.RegisterDevice("lift-b", sim, DeviceOptions{}, []SlotConfig{{ID: 1, DBNumber: 2}})
	if err == nil {
		t.Error("registration while running should fail")
	}
}

func TestSubmitValidation(t *testing.T) {
	coord, _, _ := coordFixture(t, Options{Layout: layout.Default()})

	tests := []struct {
		name string
		env  task.CommandEnvelope
	}{
		{"missing id", task.CommandEnvelope{Type: task.CommandOutbound}},
		{"outbound without source", task.CommandEnvelope{ID: "CMD-1", Type: task.CommandOutbound, Gate: 1}},
		{"outbound without gate", task.CommandEnvelope{
			ID: "CMD-2", Type: task.CommandOutbound,
			Source: &task.Location{Floor: 1, Rail: 1, Block: 1, Depth: 1},
		}},
		{"inbound without validator", task.CommandEnvelope{ID: "CMD-3", Type: task.CommandInbound}},
		{"floor outside layout", task.CommandEnvelope{
			ID: "CMD-4", Type: task.CommandOutbound, Gate: 1,
			Source: &task.Location{Floor: 99, Rail: 1, Block: 1, Depth: 1},
		}},
		{"gate outside layout", task.CommandEnvelope{
			ID: "CMD-5", Type: task.CommandOutbound, Gate: 99,
			Source: &task.Location{Floor: 1, Rail: 1, Block: 1, Depth: 1},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := coord.Submit(context.Background(), tc.env); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestSubmitWhenStopped(t *testing.T) {
	coord, _, _ := coordFixture(t, Options{})

	accepted, err := coord.Submit(context.Background(), outboundEnv("CMD-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted {
		t.Error("a stopped coordinator must not accept submissions")
	}
}

func TestRemovePendingCommand(t *testing.T) {
	coord, _, _ := coordFixture(t, Options{})
	if err := coord.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coord.Stop()

	// Affinity to an unknown device keeps the command parked at the
	// FIFO head.
	env := outboundEnv("CMD-1")
	env.Device = "ghost"
	accepted, err := coord.Submit(context.Background(), env)
	if err != nil || !accepted {
		t.Fatalf("submit: accepted=%v err=%v", accepted, err)
	}

	if err := coord.Remove("CMD-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if state, _ := coord.tracker.State("CMD-1"); state != track.StateRemoved {
		t.Errorf("state = %s, want Removed", state)
	}
	if err := coord.Remove("CMD-1"); err == nil {
		t.Error("removing twice should fail")
	}
	if err := coord.Remove("NOPE"); err == nil {
		t.Error("removing an unknown command should fail")
	}
}

func TestSubmitDuplicateID(t *testing.T) {
	coord, _, _ := coordFixture(t, Options{})
	if err := coord.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coord.Stop()

	env := outboundEnv("CMD-1")
	env.Device = "ghost" // keep it pending
	if accepted, err := coord.Submit(context.Background(), env); err != nil || !accepted {
		t.Fatalf("first submit: accepted=%v err=%v", accepted, err)
	}
	if _, err := coord.Submit(context.Background(), env); err == nil {
		t.Error("duplicate id while pending should be rejected")
	}
}

func TestCoordinatorFailureGatesAndRecovers(t *testing.T) {
	coord, sim, m := coordFixture(t, Options{})
	if err := sim.FailAfter(m.OutboundTrigger, m.CommandFailed, 10*time.Millisecond); err != nil {
		t.Fatalf("script failure: %v", err)
	}

	if err := coord.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coord.Stop()

	stream, cancel := coord.ObserveResults()
	defer cancel()

	if accepted, err := coord.Submit(context.Background(), outboundEnv("CMD-1")); err != nil || !accepted {
		t.Fatalf("submit: accepted=%v err=%v", accepted, err)
	}

	n := recvNotification(t, stream)
	if n.Outcome != task.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", n.Outcome)
	}

	if _, gated := coord.tracker.DeviceError("lift-a"); !gated {
		t.Fatal("device-error gate should be active after the failure")
	}
	report := coord.Status()
	if len(report.DeviceErrors) != 1 {
		t.Errorf("status device errors = %+v", report.DeviceErrors)
	}

	// The PLC program clears its failure flag; auto recovery releases
	// the gate.
	if err := sim.Poke(m.CommandFailed, 0); err != nil {
		t.Fatalf("clear failed flag: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, gated := coord.tracker.DeviceError("lift-a"); !gated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("device-error gate not cleared by auto recovery")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReadCurrentLocation(t *testing.T) {
	coord, sim, m := coordFixture(t, Options{})

	for addr, v := range map[string]uint32{
		m.CurrentFloor: 2,
		m.CurrentRail:  5,
		m.CurrentBlock: 17,
		m.CurrentDepth: 1,
	} {
		if err := sim.Poke(addr, v); err != nil {
			t.Fatalf("poke %s: %v", addr, err)
		}
	}

	loc, err := coord.ReadCurrentLocation("lift-a", 0)
	if err != nil {
		t.Fatalf("read location: %v", err)
	}
	want := task.Location{Floor: 2, Rail: 5, Block: 17, Depth: 1}
	if loc != want {
		t.Errorf("location = %+v, want %+v", loc, want)
	}

	if _, err := coord.ReadCurrentLocation("ghost", 0); err == nil {
		t.Error("unknown device should fail")
	}
	if _, err := coord.ReadCurrentLocation("lift-a", 9); err == nil {
		t.Error("unknown slot should fail")
	}
}

func TestTriggerRecoveryUnknownTargets(t *testing.T) {
	coord, _, _ := coordFixture(t, Options{})

	if err := coord.TriggerDeviceRecovery("ghost"); err == nil {
		t.Error("unknown device should fail")
	}
	if err := coord.TriggerSlotRecovery("lift-a", 9); err == nil {
		t.Error("unknown slot should fail")
	}
	if err := coord.TriggerDeviceRecovery("lift-a"); err != nil {
		t.Errorf("known device: %v", err)
	}
	if err := coord.TriggerSlotRecovery("lift-a", 1); err != nil {
		t.Errorf("known slot: %v", err)
	}
}

func TestPauseResumeGate(t *testing.T) {
	coord, _, _ := coordFixture(t, Options{})

	coord.Pause()
	if !coord.IsPaused() {
		t.Error("IsPaused should report true")
	}
	if coord.gate.IsSet() {
		t.Error("pause should close the dispatch gate")
	}
	coord.Resume()
	if coord.IsPaused() {
		t.Error("IsPaused should report false")
	}
	if !coord.gate.IsSet() {
		t.Error("resume should reopen the dispatch gate")
	}
}
