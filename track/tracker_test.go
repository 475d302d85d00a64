package track

import (
	"testing"
	"time"

	"shuttlelink/task"
)

func pendingEnv(id string) task.CommandEnvelope {
	return task.CommandEnvelope{ID: id, Type: task.CommandOutbound}
}

func TestLifecycleHappyPath(t *testing.T) {
	tr := NewTracker()

	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if state, ok := tr.State("CMD-1"); !ok || state != StatePending {
		t.Fatalf("state = %v (%v), want Pending", state, ok)
	}

	if err := tr.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	info, _ := tr.Get("CMD-1")
	if info.Device != "lift-a" || info.StartedAt.IsZero() {
		t.Errorf("processing record = %+v", info)
	}

	res := &task.CommandResult{CommandID: "CMD-1", Device: "lift-a", Status: task.StatusSuccess}
	if err := tr.MarkCompleted(res); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	info, _ = tr.Get("CMD-1")
	if info.State != StateCompleted || info.LastStatus != task.StatusSuccess {
		t.Errorf("completed record = %+v", info)
	}

	stats := tr.Stats()["lift-a"]
	if stats.Succeeded != 1 || stats.Processing != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMarkPendingDuplicates(t *testing.T) {
	tr := NewTracker()

	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkPending(pendingEnv("CMD-1")); err == nil {
		t.Error("duplicate while pending should be rejected")
	}

	if err := tr.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := tr.MarkPending(pendingEnv("CMD-1")); err == nil {
		t.Error("duplicate while processing should be rejected")
	}

	res := &task.CommandResult{CommandID: "CMD-1", Status: task.StatusFailed}
	if err := tr.MarkCompleted(res); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	// The id may be reused once the previous run is terminal.
	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Errorf("resubmission after completion: %v", err)
	}
}

func TestMarkProcessingRequiresPending(t *testing.T) {
	tr := NewTracker()

	if err := tr.MarkProcessing("CMD-1", "lift-a"); err == nil {
		t.Error("untracked command should be rejected")
	}

	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := tr.MarkProcessing("CMD-1", "lift-b"); err == nil {
		t.Error("second processing transition should be rejected")
	}
}

func TestMarkCompletedRejectsNonTerminal(t *testing.T) {
	tr := NewTracker()
	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	res := &task.CommandResult{CommandID: "CMD-1", Status: task.StatusAlarm}
	if err := tr.MarkCompleted(res); err == nil {
		t.Error("alarm is not terminal and must not complete a command")
	}

	res.Status = task.StatusTimeout
	if err := tr.MarkCompleted(res); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := tr.MarkCompleted(res); err == nil {
		t.Error("completing twice should be rejected")
	}
	if stats := tr.Stats()["lift-a"]; stats.Failed != 1 {
		t.Errorf("stats = %+v, want one failure", stats)
	}
}

func TestMarkRemovedOnlyPending(t *testing.T) {
	tr := NewTracker()

	if err := tr.MarkRemoved("CMD-1"); err == nil {
		t.Error("untracked command should be rejected")
	}

	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkRemoved("CMD-1"); err != nil {
		t.Fatalf("mark removed: %v", err)
	}
	if err := tr.MarkRemoved("CMD-1"); err == nil {
		t.Error("removing twice should be rejected")
	}

	if err := tr.MarkPending(pendingEnv("CMD-2")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkProcessing("CMD-2", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := tr.MarkRemoved("CMD-2"); err == nil {
		t.Error("a processing command must not be removable")
	}
}

func TestCountsAndOrdering(t *testing.T) {
	tr := NewTracker()

	for _, id := range []string{"CMD-1", "CMD-2", "CMD-3"} {
		if err := tr.MarkPending(pendingEnv(id)); err != nil {
			t.Fatalf("mark pending %s: %v", id, err)
		}
		time.Sleep(time.Millisecond) // distinct submission times
	}
	if err := tr.MarkProcessing("CMD-2", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	pending, processing, completed := tr.Counts()
	if pending != 2 || processing != 1 || completed != 0 {
		t.Errorf("counts = %d/%d/%d", pending, processing, completed)
	}

	got := tr.Pending()
	if len(got) != 2 || got[0].Envelope.ID != "CMD-1" || got[1].Envelope.ID != "CMD-3" {
		t.Errorf("pending order = %+v", got)
	}

	types := tr.ProcessingTypes()
	if types[task.CommandOutbound] != 1 {
		t.Errorf("processing types = %v", types)
	}
}

func TestAlarmGateLifecycle(t *testing.T) {
	tr := NewTracker()
	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	alarm := &task.CommandResult{CommandID: "CMD-1", Status: task.StatusAlarm, Error: task.NewErrorDetail(3)}
	if err := tr.MarkAlarm(alarm); err != nil {
		t.Fatalf("mark alarm: %v", err)
	}
	gate, ok := tr.Alarm()
	if !ok || gate.CommandID != "CMD-1" || gate.Error.Code != 3 {
		t.Fatalf("alarm gate = %+v (%v)", gate, ok)
	}

	// The alarm is visible on the tracking record without a state change.
	info, _ := tr.Get("CMD-1")
	if info.State != StateProcessing || info.LastStatus != task.StatusAlarm {
		t.Errorf("record after alarm = %+v", info)
	}

	// Completion of a different command leaves the gate alone.
	if err := tr.MarkPending(pendingEnv("CMD-2")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkProcessing("CMD-2", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	other := &task.CommandResult{CommandID: "CMD-2", Status: task.StatusSuccess}
	if err := tr.MarkCompleted(other); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, ok := tr.Alarm(); !ok {
		t.Error("gate must survive unrelated completions")
	}

	// Completion of the originating command clears it.
	res := &task.CommandResult{CommandID: "CMD-1", Status: task.StatusFailed, Error: alarm.Error}
	if err := tr.MarkCompleted(res); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, ok := tr.Alarm(); ok {
		t.Error("gate should be cleared by the originating command's completion")
	}
}

func TestClearAlarmByCommand(t *testing.T) {
	tr := NewTracker()
	if err := tr.MarkPending(pendingEnv("CMD-1")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkAlarm(&task.CommandResult{CommandID: "CMD-1", Status: task.StatusAlarm}); err != nil {
		t.Fatalf("mark alarm: %v", err)
	}

	tr.ClearAlarm("CMD-OTHER")
	if _, ok := tr.Alarm(); !ok {
		t.Error("gate must not clear for a foreign command id")
	}
	tr.ClearAlarm("CMD-1")
	if _, ok := tr.Alarm(); ok {
		t.Error("gate should clear for the originating command id")
	}
}

func TestDeviceErrorGateFirstWins(t *testing.T) {
	tr := NewTracker()

	tr.SetDeviceError("lift-a", 1, "drive fault", task.NewErrorDetail(3))
	tr.SetDeviceError("lift-a", 2, "late arrival", nil)

	gate, ok := tr.DeviceError("lift-a")
	if !ok {
		t.Fatal("gate should be active")
	}
	if gate.FirstSlot != 1 || gate.Message != "drive fault" {
		t.Errorf("gate = %+v, want the first raiser", gate)
	}

	if _, ok := tr.DeviceError("lift-b"); ok {
		t.Error("ungated device should report no gate")
	}
	if got := len(tr.DeviceErrors()); got != 1 {
		t.Errorf("gates = %d, want 1", got)
	}

	tr.ClearDeviceError("lift-a")
	if _, ok := tr.DeviceError("lift-a"); ok {
		t.Error("gate should be cleared")
	}
	// Clearing an inactive gate is harmless.
	tr.ClearDeviceError("lift-a")
}

func TestEvictCompleted(t *testing.T) {
	tr := NewTracker()

	// Aged completed entry.
	if err := tr.MarkPending(pendingEnv("CMD-OLD")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkProcessing("CMD-OLD", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := tr.MarkCompleted(&task.CommandResult{CommandID: "CMD-OLD", Status: task.StatusSuccess}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	// Removed entry.
	if err := tr.MarkPending(pendingEnv("CMD-GONE")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tr.MarkRemoved("CMD-GONE"); err != nil {
		t.Fatalf("mark removed: %v", err)
	}

	// Live entry.
	if err := tr.MarkPending(pendingEnv("CMD-LIVE")); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	evicted := tr.evictCompleted(time.Millisecond)
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	if _, ok := tr.State("CMD-OLD"); ok {
		t.Error("aged completed entry should be evicted")
	}
	if _, ok := tr.State("CMD-GONE"); ok {
		t.Error("removed entry should be evicted")
	}
	if _, ok := tr.State("CMD-LIVE"); !ok {
		t.Error("pending entry must survive eviction")
	}
}

func TestStartStopCleanupLoop(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	tr.Stop()
	tr.Stop() // idempotent
}
