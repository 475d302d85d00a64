package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"shuttlelink/plcsim"
	"shuttlelink/signal"
	"shuttlelink/strategy"
	"shuttlelink/task"
	"shuttlelink/track"
)

// newTestWorker builds a worker on an in-memory simulator with the
// default register template bound to DB 3.
func newTestWorker(t *testing.T, opts DeviceOptions) (*worker, *plcsim.Sim) {
	t.Helper()
	sim := plcsim.New()
	m, err := signal.DefaultTemplate().Bind(3)
	if err != nil {
		t.Fatalf("bind template: %v", err)
	}
	w := newWorker("lift-a", 1, opts, sim, m, strategy.NewRegistry(nil), track.NewTracker(), NewChannels(0))
	return w, sim
}

// linkUp raises the PLC side of the handshake.
func linkUp(t *testing.T, w *worker, sim *plcsim.Sim) {
	t.Helper()
	if err := sim.Poke(w.signals.SoftwareConnected, 1); err != nil {
		t.Fatalf("poke link: %v", err)
	}
	if err := sim.Poke(w.signals.DeviceReady, 1); err != nil {
		t.Fatalf("poke ready: %v", err)
	}
}

func outboundEnv(id string) task.CommandEnvelope {
	return task.CommandEnvelope{
		ID:     id,
		Type:   task.CommandOutbound,
		Source: &task.Location{Floor: 1, Rail: 2, Block: 3, Depth: 1},
		Gate:   2,
	}
}

func TestExecuteLinkFailure(t *testing.T) {
	w, _ := newTestWorker(t, DeviceOptions{CommandTimeout: time.Second})
	env := outboundEnv("CMD-1")

	res, recover := w.execute(context.Background(), &env)

	if res.Status != task.StatusFailed {
		t.Errorf("status = %s, want Failed", res.Status)
	}
	if recover {
		t.Error("link failure must not trigger recovery")
	}
	if !strings.Contains(res.Message, "link not established") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestExecuteSuccess(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{CommandTimeout: 10 * time.Second})
	linkUp(t, w, sim)
	if err := sim.CompleteAfter(w.signals.OutboundTrigger, w.signals.OutboundCompleted, 10*time.Millisecond); err != nil {
		t.Fatalf("script completion: %v", err)
	}

	env := outboundEnv("CMD-1")
	res, recover := w.execute(context.Background(), &env)

	if res.Status != task.StatusSuccess {
		t.Fatalf("status = %s (%s), want Success", res.Status, res.Message)
	}
	if recover {
		t.Error("success must not trigger recovery")
	}
	if !strings.Contains(res.Message, "completed") {
		t.Errorf("unexpected message %q", res.Message)
	}

	// The parameter registers carry the envelope values.
	checks := []struct {
		addr string
		want uint32
	}{
		{w.signals.SourceFloor, 1},
		{w.signals.SourceRail, 2},
		{w.signals.SourceBlock, 3},
		{w.signals.Gate, 2},
		{w.signals.StartProcess, 1},
	}
	for _, c := range checks {
		got, err := sim.Peek(c.addr)
		if err != nil {
			t.Fatalf("peek %s: %v", c.addr, err)
		}
		if got != c.want {
			t.Errorf("register %s = %d, want %d", c.addr, got, c.want)
		}
	}
}

func TestExecuteCommandFailed(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{CommandTimeout: 10 * time.Second})
	linkUp(t, w, sim)
	if err := sim.FailAfter(w.signals.OutboundTrigger, w.signals.CommandFailed, 10*time.Millisecond); err != nil {
		t.Fatalf("script failure: %v", err)
	}

	env := outboundEnv("CMD-1")
	res, recover := w.execute(context.Background(), &env)

	if res.Status != task.StatusFailed {
		t.Errorf("status = %s, want Failed", res.Status)
	}
	if !recover {
		t.Error("command failure must trigger recovery")
	}
}

func TestExecuteFailOnAlarm(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{CommandTimeout: 10 * time.Second, FailOnAlarm: true})
	linkUp(t, w, sim)
	if err := sim.RaiseErrorAfter(w.signals.OutboundTrigger, w.signals.ErrorCode, 1, 10*time.Millisecond); err != nil {
		t.Fatalf("script alarm: %v", err)
	}

	env := outboundEnv("CMD-1")
	res, recover := w.execute(context.Background(), &env)

	if res.Status != task.StatusFailed {
		t.Errorf("status = %s, want Failed", res.Status)
	}
	if !recover {
		t.Error("alarm termination must trigger recovery")
	}
	if res.Error == nil || res.Error.Code != 1 {
		t.Errorf("error detail = %v, want code 1", res.Error)
	}

	// The intermediate alarm was published before the terminal result.
	select {
	case alarm := <-w.ch.Results:
		if alarm.Status != task.StatusAlarm {
			t.Errorf("intermediate status = %s, want Alarm", alarm.Status)
		}
		if alarm.CommandID != "CMD-1" {
			t.Errorf("intermediate command id = %q", alarm.CommandID)
		}
	default:
		t.Error("expected an intermediate alarm result")
	}
}

func TestExecuteWarningAfterAlarm(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{CommandTimeout: 10 * time.Second})
	linkUp(t, w, sim)
	if err := sim.RaiseErrorAfter(w.signals.OutboundTrigger, w.signals.ErrorCode, 15, 10*time.Millisecond); err != nil {
		t.Fatalf("script alarm: %v", err)
	}
	// The PLC finishes the command despite the alarm.
	if err := sim.CompleteAfter(w.signals.OutboundTrigger, w.signals.OutboundCompleted, 400*time.Millisecond); err != nil {
		t.Fatalf("script completion: %v", err)
	}

	env := outboundEnv("CMD-1")
	res, recover := w.execute(context.Background(), &env)

	if res.Status != task.StatusWarning {
		t.Fatalf("status = %s (%s), want Warning", res.Status, res.Message)
	}
	if recover {
		t.Error("warning completion must not trigger recovery")
	}
	if res.Error == nil || res.Error.Code != 15 {
		t.Errorf("error detail = %v, want code 15", res.Error)
	}
	if !strings.Contains(res.Message, "warning") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestExecuteTimeout(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{CommandTimeout: 600 * time.Millisecond})
	linkUp(t, w, sim)
	// No completion scripted: the command deadline expires.

	env := outboundEnv("CMD-1")
	res, recover := w.execute(context.Background(), &env)

	if res.Status != task.StatusTimeout {
		t.Errorf("status = %s, want Timeout", res.Status)
	}
	if !recover {
		t.Error("timeout must trigger recovery")
	}
	_ = sim
}

func TestExecuteNotReadyTimesOut(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{CommandTimeout: 100 * time.Millisecond})
	if err := sim.Poke(w.signals.SoftwareConnected, 1); err != nil {
		t.Fatalf("poke link: %v", err)
	}
	// DeviceReady stays clear.

	env := outboundEnv("CMD-1")
	res, recover := w.execute(context.Background(), &env)

	if res.Status != task.StatusTimeout {
		t.Errorf("status = %s, want Timeout", res.Status)
	}
	if !recover {
		t.Error("a device that never reports ready must trigger recovery")
	}
	if !strings.Contains(res.Message, "not ready") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestRecoverAuto(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{RecoveryMode: RecoveryAuto, RecoveryInterval: 10 * time.Millisecond})
	w.tracker.SetDeviceError(w.device, w.slot, "fault", nil)
	linkUp(t, w, sim)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !w.recoverDevice(ctx) {
		t.Fatal("auto recovery should succeed on a clean device")
	}
	if _, gated := w.tracker.DeviceError(w.device); gated {
		t.Error("device-error gate should be cleared after recovery")
	}
}

func TestRecoverAutoWaitsForCleanDevice(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{RecoveryMode: RecoveryAuto, RecoveryInterval: 10 * time.Millisecond})
	w.tracker.SetDeviceError(w.device, w.slot, "fault", nil)
	linkUp(t, w, sim)
	if err := sim.Poke(w.signals.CommandFailed, 1); err != nil {
		t.Fatalf("poke failed flag: %v", err)
	}

	done := make(chan bool, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { done <- w.recoverDevice(ctx) }()

	select {
	case <-done:
		t.Fatal("recovery completed while the device was dirty")
	case <-time.After(50 * time.Millisecond):
	}

	if err := sim.Poke(w.signals.CommandFailed, 0); err != nil {
		t.Fatalf("clear failed flag: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Error("recovery should succeed once the device is clean")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not complete after the device went clean")
	}
}

func TestRecoverManual(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{RecoveryMode: RecoveryManual})
	w.tracker.SetDeviceError(w.device, w.slot, "fault", nil)
	linkUp(t, w, sim)

	done := make(chan bool, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { done <- w.recoverDevice(ctx) }()

	select {
	case <-done:
		t.Fatal("manual recovery completed without an operator assertion")
	case <-time.After(50 * time.Millisecond):
	}

	w.triggerRecovery()
	select {
	case ok := <-done:
		if !ok {
			t.Error("manual recovery should succeed on a clean device")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manual recovery did not react to the assertion")
	}
	if _, gated := w.tracker.DeviceError(w.device); gated {
		t.Error("device-error gate should be cleared after recovery")
	}
}

func TestRecoverManualRejectsDirtyDevice(t *testing.T) {
	w, sim := newTestWorker(t, DeviceOptions{RecoveryMode: RecoveryManual})
	w.tracker.SetDeviceError(w.device, w.slot, "fault", nil)
	linkUp(t, w, sim)
	if err := sim.Poke(w.signals.ErrorAlarm, 1); err != nil {
		t.Fatalf("poke alarm flag: %v", err)
	}

	done := make(chan bool, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { done <- w.recoverDevice(ctx) }()

	w.triggerRecovery()
	select {
	case <-done:
		t.Fatal("manual recovery accepted a device with an active alarm")
	case <-time.After(100 * time.Millisecond):
	}

	if err := sim.Poke(w.signals.ErrorAlarm, 0); err != nil {
		t.Fatalf("clear alarm flag: %v", err)
	}
	w.triggerRecovery()
	select {
	case ok := <-done:
		if !ok {
			t.Error("recovery should succeed after the alarm clears")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manual recovery did not react to the second assertion")
	}
}

func TestClassifyContextErr(t *testing.T) {
	status, kind := classifyContextErr(context.DeadlineExceeded)
	if status != task.StatusTimeout || kind != "timed out" {
		t.Errorf("deadline: got (%s, %q)", status, kind)
	}
	status, kind = classifyContextErr(context.Canceled)
	if status != task.StatusCancelled || kind != "cancelled" {
		t.Errorf("cancel: got (%s, %q)", status, kind)
	}
}

func TestAnnounceReadyBlocksUntilConsumed(t *testing.T) {
	w, _ := newTestWorker(t, DeviceOptions{})
	for i := 0; i < cap(w.ch.Ready); i++ {
		w.ch.Ready <- ReadyTicket{Device: "filler", Slot: i}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan bool, 1)
	go func() { done <- w.announceReady(ctx) }()

	select {
	case <-done:
		t.Fatal("announce returned while the ready queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one ticket makes room; the pending announce must land.
	<-w.ch.Ready
	select {
	case ok := <-done:
		if !ok {
			t.Error("announce reported shutdown after the queue drained")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announce never completed after the queue drained")
	}
}

func TestAnnounceReadyUnblocksOnShutdown(t *testing.T) {
	w, _ := newTestWorker(t, DeviceOptions{})
	for i := 0; i < cap(w.ch.Ready); i++ {
		w.ch.Ready <- ReadyTicket{Device: "filler", Slot: i}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- w.announceReady(ctx) }()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("announce claimed delivery on a full queue after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announce did not unblock on shutdown")
	}
}

func TestDeviceOptionsDefaults(t *testing.T) {
	opts := DeviceOptions{}.withDefaults()
	if opts.CommandTimeout != DefaultCommandTimeout {
		t.Errorf("CommandTimeout = %v", opts.CommandTimeout)
	}
	if opts.RecoveryMode != RecoveryAuto {
		t.Errorf("RecoveryMode = %v", opts.RecoveryMode)
	}
	if opts.RecoveryInterval != DefaultRecoveryInterval {
		t.Errorf("RecoveryInterval = %v", opts.RecoveryInterval)
	}
}
