package engine

import (
	"context"
	"testing"
	"time"

	"shuttlelink/task"
	"shuttlelink/track"
)

func hubFixture(t *testing.T) (*replyHub, *track.Tracker, <-chan task.Notification, func()) {
	t.Helper()
	ch := NewChannels(0)
	tracker := track.NewTracker()
	bus := NewBroadcaster()
	hub := newReplyHub(ch, tracker, bus)
	stream, cancelSub := bus.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.run(ctx)
		close(done)
	}()

	cleanup := func() {
		cancel()
		<-done
		cancelSub()
		bus.Close()
	}
	return hub, tracker, stream, cleanup
}

func recvNotification(t *testing.T, stream <-chan task.Notification) task.Notification {
	t.Helper()
	select {
	case n := <-stream:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return task.Notification{}
	}
}

func TestReplyHubCompletesCommand(t *testing.T) {
	hub, tracker, stream, cleanup := hubFixture(t)
	defer cleanup()

	env := task.CommandEnvelope{ID: "CMD-1", Type: task.CommandOutbound}
	if err := tracker.MarkPending(env); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tracker.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	hub.ch.Results <- task.CommandResult{
		CommandID:   "CMD-1",
		Device:      "lift-a",
		Status:      task.StatusSuccess,
		Message:     "done",
		StartedAt:   time.Now().Add(-time.Second),
		CompletedAt: time.Now(),
	}

	n := recvNotification(t, stream)
	if n.Outcome != task.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", n.Outcome)
	}
	if n.Status != "Success" {
		t.Errorf("status = %q, want Success", n.Status)
	}

	waitForState(t, tracker, "CMD-1", track.StateCompleted)
}

func TestReplyHubAlarmRaisesGate(t *testing.T) {
	hub, tracker, stream, cleanup := hubFixture(t)
	defer cleanup()

	env := task.CommandEnvelope{ID: "CMD-1", Type: task.CommandOutbound}
	if err := tracker.MarkPending(env); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tracker.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	hub.ch.Results <- task.CommandResult{
		CommandID: "CMD-1",
		Device:    "lift-a",
		Status:    task.StatusAlarm,
		Error:     task.NewErrorDetail(2),
	}

	n := recvNotification(t, stream)
	if n.Outcome != task.OutcomeError {
		t.Errorf("outcome = %s, want error", n.Outcome)
	}
	if alarm, ok := tracker.Alarm(); !ok || alarm.CommandID != "CMD-1" {
		t.Errorf("alarm gate = %+v (%v), want raised by CMD-1", alarm, ok)
	}
	// The command stays processing through an intermediate alarm.
	if state, _ := tracker.State("CMD-1"); state != track.StateProcessing {
		t.Errorf("state = %s, want Processing", state)
	}

	// The terminal result clears the gate.
	hub.ch.Results <- task.CommandResult{
		CommandID: "CMD-1",
		Device:    "lift-a",
		Status:    task.StatusFailed,
		Error:     task.NewErrorDetail(2),
	}
	n = recvNotification(t, stream)
	if n.Outcome != task.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", n.Outcome)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := tracker.Alarm(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alarm gate not cleared by terminal result")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReplyHubDrainsOnShutdown(t *testing.T) {
	ch := NewChannels(0)
	tracker := track.NewTracker()
	bus := NewBroadcaster()
	defer bus.Close()
	hub := newReplyHub(ch, tracker, bus)

	env := task.CommandEnvelope{ID: "CMD-1", Type: task.CommandOutbound}
	if err := tracker.MarkPending(env); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := tracker.MarkProcessing("CMD-1", "lift-a"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	// Queue a result, then run with an already-cancelled context: the
	// drain path must still complete the command.
	ch.Results <- task.CommandResult{CommandID: "CMD-1", Device: "lift-a", Status: task.StatusCancelled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.run(ctx)

	if state, _ := tracker.State("CMD-1"); state != track.StateCompleted {
		t.Errorf("state = %s, want Completed after drain", state)
	}
}

// waitForState polls the tracker until the command reaches the state or
// the deadline expires.
func waitForState(t *testing.T, tracker *track.Tracker, id string, want track.CommandState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, ok := tracker.State(id); ok && state == want {
			return
		}
		if time.Now().After(deadline) {
			state, _ := tracker.State(id)
			t.Fatalf("command %s state = %s, want %s", id, state, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
