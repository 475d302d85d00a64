// Package track maintains the thread-safe index of every submitted
// command's lifecycle state, plus the dispatch gates: per-device error
// gates and the global alarm gate.
package track

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"shuttlelink/logging"
	"shuttlelink/task"
)

// CommandState is the lifecycle state of a tracked command.
type CommandState int

const (
	StatePending CommandState = iota + 1
	StateProcessing
	StateCompleted
	StateRemoved
)

func (s CommandState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateProcessing:
		return "Processing"
	case StateCompleted:
		return "Completed"
	case StateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Cleanup cadence and retention for completed entries.
const (
	cleanupInterval    = 5 * time.Minute
	completedRetention = time.Hour
)

// TrackingInfo is the tracker's record for one command.
type TrackingInfo struct {
	Envelope    task.CommandEnvelope
	State       CommandState
	Device      string // device the command was dispatched to
	LastStatus  task.ExecutionStatus
	LastResult  *task.CommandResult
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// DeviceStats aggregates per-device completion counters.
type DeviceStats struct {
	Processing    int       `json:"processing"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	LastCompleted time.Time `json:"last_completed,omitzero"`
}

// Tracker is the thread-safe command index. State lookups take a read
// lock; mutations hold the write lock for a short critical section.
type Tracker struct {
	mu       sync.RWMutex
	commands map[string]*TrackingInfo
	stats    map[string]*DeviceStats

	deviceErrors map[string]*DeviceErrorGate
	alarm        *GlobalAlarmGate

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTracker creates an empty tracker. Call Start to run the cleanup
// loop.
func NewTracker() *Tracker {
	return &Tracker{
		commands:     make(map[string]*TrackingInfo),
		stats:        make(map[string]*DeviceStats),
		deviceErrors: make(map[string]*DeviceErrorGate),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the periodic eviction of aged completed entries.
func (t *Tracker) Start() {
	go t.cleanupLoop()
}

// Stop halts the cleanup loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			evicted := t.evictCompleted(completedRetention)
			if evicted > 0 {
				logging.DebugLog("track", "evicted %d completed commands", evicted)
			}
		}
	}
}

// evictCompleted removes Completed entries older than maxAge and all
// Removed entries. Returns the eviction count.
func (t *Tracker) evictCompleted(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, info := range t.commands {
		if info.State == StateRemoved ||
			(info.State == StateCompleted && info.CompletedAt.Before(cutoff)) {
			delete(t.commands, id)
			evicted++
		}
	}
	return evicted
}

// MarkPending registers a newly submitted envelope. Duplicate command
// ids are rejected unless the previous entry is terminal.
func (t *Tracker) MarkPending(env task.CommandEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.commands[env.ID]; ok {
		if existing.State == StatePending || existing.State == StateProcessing {
			return fmt.Errorf("command %s is already %s", env.ID, existing.State)
		}
	}

	t.commands[env.ID] = &TrackingInfo{
		Envelope:    env,
		State:       StatePending,
		SubmittedAt: time.Now(),
	}
	return nil
}

// MarkProcessing transitions Pending -> Processing. At most one such
// transition happens per command.
func (t *Tracker) MarkProcessing(id, device string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.commands[id]
	if !ok {
		return fmt.Errorf("command %s is not tracked", id)
	}
	if info.State != StatePending {
		return fmt.Errorf("command %s is %s, cannot start processing", id, info.State)
	}

	info.State = StateProcessing
	info.Device = device
	info.StartedAt = time.Now()
	t.deviceStatsLocked(device).Processing++
	return nil
}

// MarkCompleted transitions Processing -> Completed with a terminal
// result. If the global alarm gate was raised by this command, it is
// cleared atomically with the transition.
func (t *Tracker) MarkCompleted(res *task.CommandResult) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("command %s: result status %s is not terminal", res.CommandID, res.Status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.commands[res.CommandID]
	if !ok {
		return fmt.Errorf("command %s is not tracked", res.CommandID)
	}
	if info.State == StateCompleted {
		return fmt.Errorf("command %s is already completed", res.CommandID)
	}

	info.State = StateCompleted
	info.LastStatus = res.Status
	info.LastResult = res
	info.CompletedAt = time.Now()

	stats := t.deviceStatsLocked(info.Device)
	if stats.Processing > 0 {
		stats.Processing--
	}
	switch res.Status {
	case task.StatusSuccess, task.StatusWarning:
		stats.Succeeded++
	default:
		stats.Failed++
	}
	stats.LastCompleted = info.CompletedAt

	// Completion of the originating command releases the alarm gate.
	if t.alarm != nil && t.alarm.CommandID == res.CommandID {
		logging.DebugLog("track", "alarm gate cleared by completion of %s", res.CommandID)
		t.alarm = nil
	}
	return nil
}

// MarkAlarm records an intermediate alarm on a Processing command and
// raises the global alarm gate.
func (t *Tracker) MarkAlarm(res *task.CommandResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.commands[res.CommandID]
	if !ok {
		return fmt.Errorf("command %s is not tracked", res.CommandID)
	}

	info.LastStatus = task.StatusAlarm
	info.LastResult = res
	t.alarm = &GlobalAlarmGate{
		CommandID: res.CommandID,
		Error:     res.Error,
		Since:     time.Now(),
	}
	logging.DebugLog("track", "alarm gate raised by %s: %s", res.CommandID, res.Error)
	return nil
}

// MarkRemoved soft-deletes a command. Only Pending commands can be
// removed; Removed is terminal.
func (t *Tracker) MarkRemoved(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.commands[id]
	if !ok {
		return fmt.Errorf("command %s is not tracked", id)
	}
	if info.State != StatePending {
		return fmt.Errorf("command %s is %s, only pending commands can be removed", id, info.State)
	}
	info.State = StateRemoved
	return nil
}

// State returns the lifecycle state of a command.
func (t *Tracker) State(id string) (CommandState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.commands[id]
	if !ok {
		return 0, false
	}
	return info.State, true
}

// Get returns a copy of the tracking record for a command.
func (t *Tracker) Get(id string) (TrackingInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.commands[id]
	if !ok {
		return TrackingInfo{}, false
	}
	return *info, true
}

// Counts returns the number of pending, processing and completed
// commands.
func (t *Tracker) Counts() (pending, processing, completed int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, info := range t.commands {
		switch info.State {
		case StatePending:
			pending++
		case StateProcessing:
			processing++
		case StateCompleted:
			completed++
		}
	}
	return
}

// Pending returns the pending commands ordered by submission time.
func (t *Tracker) Pending() []TrackingInfo {
	return t.byState(StatePending)
}

// Processing returns the processing commands ordered by start time.
func (t *Tracker) Processing() []TrackingInfo {
	return t.byState(StateProcessing)
}

func (t *Tracker) byState(state CommandState) []TrackingInfo {
	t.mu.RLock()
	out := make([]TrackingInfo, 0)
	for _, info := range t.commands {
		if info.State == state {
			out = append(out, *info)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if state == StateProcessing {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// ProcessingTypes returns the command types currently processing,
// with their multiplicity. The matchmaker uses this for the
// exclusivity rules.
func (t *Tracker) ProcessingTypes() map[task.CommandType]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[task.CommandType]int)
	for _, info := range t.commands {
		if info.State == StateProcessing {
			out[info.Envelope.Type]++
		}
	}
	return out
}

// Stats returns a copy of the per-device statistics.
func (t *Tracker) Stats() map[string]DeviceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]DeviceStats, len(t.stats))
	for device, s := range t.stats {
		out[device] = *s
	}
	return out
}

// deviceStatsLocked returns the mutable stats entry for a device.
// Must be called with t.mu held.
func (t *Tracker) deviceStatsLocked(device string) *DeviceStats {
	s, ok := t.stats[device]
	if !ok {
		s = &DeviceStats{}
		t.stats[device] = s
	}
	return s
}
