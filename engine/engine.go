package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shuttlelink/layout"
	"shuttlelink/logging"
	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/strategy"
	"shuttlelink/task"
	"shuttlelink/track"
)

// SlotConfig describes one slot of a device at registration time.
type SlotConfig struct {
	// ID is the slot number, unique within the device.
	ID int
	// DBNumber is the data block holding the slot's signal registers.
	DBNumber int
	// Capabilities lists the command types the slot accepts. Empty
	// means all types.
	Capabilities []task.CommandType
	// Template overrides the register layout. Nil uses the default.
	Template *signal.Template
}

// Options tunes the coordinator.
type Options struct {
	// QueueSize bounds the input queue. Zero uses DefaultQueueSize.
	QueueSize int
	// DispatchStagger is the minimum spacing between dispatches. Zero
	// uses DefaultDispatchStagger.
	DispatchStagger time.Duration
	// Layout bounds the warehouse coordinates accepted at submission.
	// Nil disables the check.
	Layout *layout.Layout
}

// registeredDevice holds one device's client and workers.
type registeredDevice struct {
	name    string
	client  plc.Client
	opts    DeviceOptions
	workers []*worker // registration order
}

// Coordinator owns the channels, the tracker, the worker set and the
// broadcast bus. Devices are registered before Start; commands are
// submitted while running.
type Coordinator struct {
	opts Options

	mu      sync.Mutex
	running bool
	paused  bool
	devices map[string]*registeredDevice
	slots   map[slotKey]*slotInfo

	ch         *Channels
	tracker    *track.Tracker
	bus        *Broadcaster
	gate       *Event
	strategies *strategy.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a stopped coordinator with no devices.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		opts:       opts,
		devices:    make(map[string]*registeredDevice),
		slots:      make(map[slotKey]*slotInfo),
		ch:         NewChannels(opts.QueueSize),
		tracker:    track.NewTracker(),
		bus:        NewBroadcaster(),
		gate:       NewEvent(),
		strategies: strategy.NewRegistry(nil),
	}
}

// RegisterDevice adds a device and its slots. Only allowed before
// Start. Registering the same name again replaces the previous entry.
func (c *Coordinator) RegisterDevice(name string, client plc.Client, opts DeviceOptions, slots []SlotConfig) error {
	if name == "" {
		return fmt.Errorf("device name must not be empty")
	}
	if client == nil {
		return fmt.Errorf("device %s: nil client", name)
	}
	if len(slots) == 0 {
		return fmt.Errorf("device %s: at least one slot required", name)
	}
	if opts.RecoveryMode != "" && !opts.RecoveryMode.Valid() {
		return fmt.Errorf("device %s: unknown recovery mode %q", name, opts.RecoveryMode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("device %s: cannot register while running", name)
	}

	dev := &registeredDevice{name: name, client: client, opts: opts.withDefaults()}
	seen := make(map[int]bool)
	for _, sc := range slots {
		if seen[sc.ID] {
			return fmt.Errorf("device %s: duplicate slot %d", name, sc.ID)
		}
		seen[sc.ID] = true

		tmpl := sc.Template
		if tmpl == nil {
			tmpl = signal.DefaultTemplate()
		}
		m, err := tmpl.Bind(sc.DBNumber)
		if err != nil {
			return fmt.Errorf("device %s slot %d: %w", name, sc.ID, err)
		}

		w := newWorker(name, sc.ID, dev.opts, client, m, c.strategies, c.tracker, c.ch)
		dev.workers = append(dev.workers, w)
	}

	// Replace any previous registration of this name.
	if old, ok := c.devices[name]; ok {
		for _, w := range old.workers {
			delete(c.slots, slotKey{name, w.slot})
		}
	}
	c.devices[name] = dev
	for i, w := range dev.workers {
		c.slots[slotKey{name, w.slot}] = &slotInfo{w: w, caps: capabilitySet(slots[i].Capabilities)}
	}
	logging.DebugLog("engine", "registered device %s with %d slots", name, len(dev.workers))
	return nil
}

// capabilitySet expands an empty list to all command types.
func capabilitySet(caps []task.CommandType) map[task.CommandType]bool {
	out := make(map[task.CommandType]bool)
	if len(caps) == 0 {
		for _, t := range []task.CommandType{task.CommandInbound, task.CommandOutbound, task.CommandTransfer, task.CommandCheckPallet} {
			out[t] = true
		}
		return out
	}
	for _, t := range caps {
		out[t] = true
	}
	return out
}

// SetBarcodeValidator installs the external barcode validation
// collaborator. Must precede any Inbound submission.
func (c *Coordinator) SetBarcodeValidator(v strategy.BarcodeValidator) {
	c.strategies.SetValidator(v)
}

// Start connects the devices and launches the matchmaker, the reply
// hub and one worker per slot.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("already running")
	}
	if len(c.devices) == 0 {
		return fmt.Errorf("no devices registered")
	}

	for name, dev := range c.devices {
		if err := dev.client.Connect(); err != nil {
			// The transport reconnects on its own; commands fail their
			// link check until it does.
			logging.DebugConnectError("engine", "device %s: connect: %v", name, err)
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.tracker.Start()

	hub := newReplyHub(c.ch, c.tracker, c.bus)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		hub.run(c.ctx)
	}()

	mm := newMatchmaker(c.ch, c.tracker, c.gate, c.slots, c.opts.DispatchStagger)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		mm.run(c.ctx)
	}()

	for _, dev := range c.devices {
		for _, w := range dev.workers {
			w := w
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				w.run(c.ctx)
			}()
		}
	}

	c.running = true
	c.gate.Set()
	logging.DebugLog("engine", "coordinator started: %d devices, %d slots", len(c.devices), len(c.slots))
	return nil
}

// Stop shuts the coordinator down: cancels every task, waits for them
// to drain, closes the bus and disconnects the devices.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.gate.Set() // wake a parked matchmaker so it can observe the cancel
	c.wg.Wait()

	c.tracker.Stop()
	c.bus.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, dev := range c.devices {
		if err := dev.client.Close(); err != nil {
			logging.DebugError("engine", "device %s: close: %v", name, err)
		}
	}
	logging.DebugLog("engine", "coordinator stopped")
}

// Submit validates and enqueues an envelope. Returns false without
// error when the coordinator is shut down; validation failures surface
// synchronously. A submission cancelled by the caller's context is
// removed from the tracker before the error propagates.
func (c *Coordinator) Submit(ctx context.Context, env task.CommandEnvelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	strat, err := c.strategies.ForType(env.Type)
	if err != nil {
		return false, err
	}
	if err := strat.Validate(&env); err != nil {
		return false, err
	}
	if c.opts.Layout != nil {
		if err := c.opts.Layout.CheckEnvelope(&env); err != nil {
			return false, err
		}
	}

	c.mu.Lock()
	running := c.running
	engineCtx := c.ctx
	c.mu.Unlock()
	if !running {
		return false, nil
	}

	if env.SubmittedAt.IsZero() {
		env.SubmittedAt = time.Now()
	}
	if err := c.tracker.MarkPending(env); err != nil {
		return false, err
	}

	select {
	case c.ch.Input <- env:
		c.gate.Set()
		logging.DebugLog("engine", "accepted %s (%s) for %q", env.ID, env.Type, env.Device)
		return true, nil
	case <-ctx.Done():
		if rmErr := c.tracker.MarkRemoved(env.ID); rmErr != nil {
			logging.DebugError("engine", "remove cancelled submission %s: %v", env.ID, rmErr)
		}
		return false, ctx.Err()
	case <-engineCtx.Done():
		return false, nil
	}
}

// Remove withdraws a pending command. Processing or completed commands
// cannot be removed.
func (c *Coordinator) Remove(id string) error {
	return c.tracker.MarkRemoved(id)
}

// Pause closes the dispatch gate. In-flight commands finish; pending
// commands stay queued. A new submission reopens the gate.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.gate.Reset()
	logging.DebugLog("engine", "dispatch paused")
}

// Resume reopens the dispatch gate.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.gate.Set()
	logging.DebugLog("engine", "dispatch resumed")
}

// IsPaused reports whether dispatch was paused by an operator.
func (c *Coordinator) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// TriggerDeviceRecovery asserts manual recovery on every slot of a
// device.
func (c *Coordinator) TriggerDeviceRecovery(device string) error {
	c.mu.Lock()
	dev, ok := c.devices[device]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device %q", device)
	}
	for _, w := range dev.workers {
		w.triggerRecovery()
	}
	return nil
}

// TriggerSlotRecovery asserts manual recovery on one slot.
func (c *Coordinator) TriggerSlotRecovery(device string, slot int) error {
	c.mu.Lock()
	info, ok := c.slots[slotKey{device, slot}]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown slot %d on device %q", slot, device)
	}
	info.w.triggerRecovery()
	return nil
}

// ReadCurrentLocation reads the four position registers of a slot.
// Slot 0 selects the device's first registered slot.
func (c *Coordinator) ReadCurrentLocation(device string, slot int) (task.Location, error) {
	c.mu.Lock()
	dev, ok := c.devices[device]
	c.mu.Unlock()
	if !ok {
		return task.Location{}, fmt.Errorf("unknown device %q", device)
	}

	var w *worker
	if slot == 0 {
		w = dev.workers[0]
	} else {
		for _, cand := range dev.workers {
			if cand.slot == slot {
				w = cand
				break
			}
		}
	}
	if w == nil {
		return task.Location{}, fmt.Errorf("unknown slot %d on device %q", slot, device)
	}

	floor, err := w.client.ReadWord(w.signals.CurrentFloor)
	if err != nil {
		return task.Location{}, fmt.Errorf("read current floor: %w", err)
	}
	rail, err := w.client.ReadWord(w.signals.CurrentRail)
	if err != nil {
		return task.Location{}, fmt.Errorf("read current rail: %w", err)
	}
	block, err := w.client.ReadWord(w.signals.CurrentBlock)
	if err != nil {
		return task.Location{}, fmt.Errorf("read current block: %w", err)
	}
	depth, err := w.client.ReadWord(w.signals.CurrentDepth)
	if err != nil {
		return task.Location{}, fmt.Errorf("read current depth: %w", err)
	}
	return task.Location{Floor: int(floor), Rail: int(rail), Block: int(block), Depth: int(depth)}, nil
}

// StatusReport is the coordinator's point-in-time summary.
type StatusReport struct {
	Running    bool                         `json:"running"`
	Paused     bool                         `json:"paused"`
	Pending    int                          `json:"pending"`
	Processing int                          `json:"processing"`
	Completed  int                          `json:"completed"`
	QueueDepth int                          `json:"queue_depth"`
	Devices    map[string]track.DeviceStats `json:"devices"`

	Alarm        *track.GlobalAlarmGate  `json:"alarm,omitempty"`
	DeviceErrors []track.DeviceErrorGate `json:"device_errors,omitempty"`
}

// Status summarizes queue depths, per-device statistics and active
// gates.
func (c *Coordinator) Status() StatusReport {
	c.mu.Lock()
	report := StatusReport{
		Running:    c.running,
		Paused:     c.paused,
		QueueDepth: len(c.ch.Input),
	}
	c.mu.Unlock()

	report.Pending, report.Processing, report.Completed = c.tracker.Counts()
	report.Devices = c.tracker.Stats()
	if alarm, ok := c.tracker.Alarm(); ok {
		report.Alarm = &alarm
	}
	if gates := c.tracker.DeviceErrors(); len(gates) > 0 {
		report.DeviceErrors = gates
	}
	return report
}

// CommandInfo returns the tracking record for a command.
func (c *Coordinator) CommandInfo(id string) (track.TrackingInfo, bool) {
	return c.tracker.Get(id)
}

// PendingCommands lists queued commands in submission order.
func (c *Coordinator) PendingCommands() []track.TrackingInfo {
	return c.tracker.Pending()
}

// ProcessingCommands lists in-flight commands in dispatch order.
func (c *Coordinator) ProcessingCommands() []track.TrackingInfo {
	return c.tracker.Processing()
}

// ObserveResults opens a lazy stream of result notifications. The
// cancel function releases the stream.
func (c *Coordinator) ObserveResults() (<-chan task.Notification, func()) {
	return c.bus.Subscribe()
}
