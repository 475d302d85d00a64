package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shuttlelink/logging"
	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/strategy"
	"shuttlelink/task"
	"shuttlelink/track"
)

const (
	// deviceReadyPollInterval is the cadence of the ready-wait guard.
	deviceReadyPollInterval = time.Second

	// successCooldown is the pause after a successful command before the
	// slot re-announces readiness.
	successCooldown = 5 * time.Second

	// DefaultCommandTimeout bounds one command execution when the device
	// config does not set its own.
	DefaultCommandTimeout = 2 * time.Minute

	// DefaultRecoveryInterval is the auto-recovery poll cadence when the
	// device config does not set its own.
	DefaultRecoveryInterval = 5 * time.Second
)

// DeviceOptions is the per-device execution policy shared by all slots
// of a device.
type DeviceOptions struct {
	// FailOnAlarm terminates a command on the first alarm instead of
	// waiting for the PLC to finish or fail it.
	FailOnAlarm bool

	// CommandTimeout wraps each command execution in a deadline.
	CommandTimeout time.Duration

	// RecoveryMode selects automatic or operator-driven recovery after
	// a terminal failure.
	RecoveryMode RecoveryMode

	// RecoveryInterval is the DeviceReady poll cadence in auto mode.
	RecoveryInterval time.Duration
}

func (o DeviceOptions) withDefaults() DeviceOptions {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.RecoveryMode == "" {
		o.RecoveryMode = RecoveryAuto
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = DefaultRecoveryInterval
	}
	return o
}

// worker drives one slot: it announces readiness, reads one envelope at
// a time from its mailbox, executes the strategy against the PLC in
// parallel with a signal monitor, publishes the result and either
// re-announces readiness or enters recovery.
type worker struct {
	device  string
	slot    int
	opts    DeviceOptions
	client  plc.Client
	signals *signal.Map

	strategies *strategy.Registry
	tracker    *track.Tracker
	ch         *Channels

	// mailbox has capacity 1: the matchmaker never hands the slot a
	// second envelope before the loop has read the first.
	mailbox chan task.CommandEnvelope

	// recoverCh carries manual recovery assertions, one pending at most.
	recoverCh chan struct{}
}

func newWorker(device string, slot int, opts DeviceOptions, client plc.Client, signals *signal.Map,
	strategies *strategy.Registry, tracker *track.Tracker, ch *Channels) *worker {
	return &worker{
		device:     device,
		slot:       slot,
		opts:       opts.withDefaults(),
		client:     client,
		signals:    signals,
		strategies: strategies,
		tracker:    tracker,
		ch:         ch,
		mailbox:    make(chan task.CommandEnvelope, 1),
		recoverCh:  make(chan struct{}, 1),
	}
}

// triggerRecovery asserts the manual recovery event. Harmless outside
// manual recovery wait.
func (w *worker) triggerRecovery() {
	select {
	case w.recoverCh <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	if !w.announceReady(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-w.mailbox:
			res, recover := w.execute(ctx, &env)

			switch {
			case res.Status == task.StatusSuccess || res.Status == task.StatusWarning:
				w.publish(*res)
				if !sleepCtx(ctx, successCooldown) {
					return
				}
				if !w.announceReady(ctx) {
					return
				}

			case recover:
				// Gate the device before the result is visible so the
				// matchmaker cannot dispatch into the failed device.
				w.tracker.SetDeviceError(w.device, w.slot, res.Message, res.Error)
				w.publish(*res)
				if !w.recoverDevice(ctx) {
					return
				}
				if !w.announceReady(ctx) {
					return
				}

			default:
				// Link failure: the PLC program never set its side of
				// the handshake, so recovery cannot help. Cool down to
				// avoid a hot redispatch loop.
				w.publish(*res)
				if !sleepCtx(ctx, successCooldown) {
					return
				}
				if !w.announceReady(ctx) {
					return
				}
			}
		}
	}
}

// announceReady issues the slot's ticket. The send blocks rather than
// drop: a lost ticket would idle the slot until shutdown. Returns
// false when the context ended before the ticket went out.
func (w *worker) announceReady(ctx context.Context) bool {
	ticket := ReadyTicket{
		Device:     w.device,
		Slot:       w.slot,
		ReadyAt:    time.Now(),
		QueueDepth: len(w.ch.Input),
	}
	select {
	case w.ch.Ready <- ticket:
		logging.DebugLog("worker", "%s slot %d ready", w.device, w.slot)
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *worker) publish(res task.CommandResult) {
	w.ch.Results <- res
}

// execute runs one envelope through the guards and both phases. The
// second return reports whether the worker must enter recovery.
func (w *worker) execute(ctx context.Context, env *task.CommandEnvelope) (*task.CommandResult, bool) {
	started := time.Now()
	res := &task.CommandResult{
		CommandID: env.ID,
		Device:    w.device,
		Slot:      w.slot,
		StartedAt: started,
	}
	finish := func(status task.ExecutionStatus, msg string) (*task.CommandResult, bool) {
		res.Status = status
		res.Message = msg
		res.CompletedAt = time.Now()
		return res, status != task.StatusSuccess && status != task.StatusWarning
	}

	strat, err := w.strategies.ForType(env.Type)
	if err != nil {
		r, _ := finish(task.StatusFailed, err.Error())
		return r, false
	}

	// Guard 1: the PLC program must have raised its side of the
	// handshake. A missing link is a program problem, not a device
	// fault, so no recovery follows.
	linked, err := w.client.ReadBool(w.signals.SoftwareConnected)
	if err != nil || !linked {
		msg := fmt.Sprintf("link not established on %s slot %d", w.device, w.slot)
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		r, _ := finish(task.StatusFailed, msg)
		return r, false
	}
	res.Steps.Add("link-check", "established")

	cmdCtx, cancel := context.WithTimeout(ctx, w.opts.CommandTimeout)
	defer cancel()

	// Guard 2: wait for the device to report ready.
	if err := w.waitDeviceReady(cmdCtx); err != nil {
		status, kind := classifyContextErr(err)
		return finish(status, fmt.Sprintf("device %s not ready: %s", w.device, kind))
	}
	res.Steps.Add("device-ready", "ok")

	// Phase: signal monitor in parallel with the step machine, linked
	// cancellation, monitor wins.
	failOnAlarm := w.opts.FailOnAlarm || strat.AlwaysFailOnAlarm()
	mon := &signalMonitor{
		client:         w.client,
		signals:        w.signals,
		completionAddr: strat.CompletionAddress(w.signals),
		failOnAlarm:    failOnAlarm,
		onAlarm: func(detail *task.ErrorDetail) {
			w.publish(task.CommandResult{
				CommandID:   env.ID,
				Device:      w.device,
				Slot:        w.slot,
				Status:      task.StatusAlarm,
				Message:     detail.Message,
				StartedAt:   started,
				CompletedAt: time.Now(),
				Error:       detail,
			})
		},
	}

	monCtx, cancelMonitor := context.WithCancel(cmdCtx)
	stepCtx, cancelSteps := context.WithCancel(cmdCtx)
	defer cancelMonitor()
	defer cancelSteps()

	monDone := make(chan monitorOutcome, 1)
	go func() { monDone <- mon.run(monCtx) }()

	type stepReturn struct {
		res *task.CommandResult
		err error
	}
	stepDone := make(chan stepReturn, 1)
	go func() {
		r, err := w.runSteps(stepCtx, strat, env, &res.Steps)
		stepDone <- stepReturn{r, err}
	}()

	select {
	case outcome := <-monDone:
		cancelSteps()
		<-stepDone
		return w.resolveMonitor(cmdCtx, strat, env, res, outcome, finish)

	case ret := <-stepDone:
		cancelMonitor()
		outcome := <-monDone
		// The monitor may have raced the step machine to a verdict.
		if outcome.Kind != monitorCancelled {
			return w.resolveMonitor(cmdCtx, strat, env, res, outcome, finish)
		}
		if ret.err != nil {
			if errors.Is(ret.err, context.DeadlineExceeded) || errors.Is(ret.err, context.Canceled) {
				status, kind := classifyContextErr(ret.err)
				return finish(status, fmt.Sprintf("command %s: %s", env.ID, kind))
			}
			return finish(task.StatusFailed, strat.FailureMessage(env, nil)+": "+ret.err.Error())
		}
		if ret.res != nil {
			// The strategy terminated the command itself.
			ret.res.CommandID = env.ID
			ret.res.Device = w.device
			ret.res.Slot = w.slot
			ret.res.StartedAt = started
			if ret.res.CompletedAt.IsZero() {
				ret.res.CompletedAt = time.Now()
			}
			ret.res.Steps = res.Steps
			return ret.res, ret.res.Status != task.StatusSuccess && ret.res.Status != task.StatusWarning
		}
		// Step machine exhausted without a verdict; only the command
		// deadline or shutdown can get us here.
		status, kind := classifyContextErr(cmdCtx.Err())
		return finish(status, fmt.Sprintf("command %s: %s", env.ID, kind))
	}
}

// resolveMonitor converts a monitor verdict into the terminal result.
func (w *worker) resolveMonitor(ctx context.Context, strat strategy.Strategy, env *task.CommandEnvelope,
	res *task.CommandResult, outcome monitorOutcome,
	finish func(task.ExecutionStatus, string) (*task.CommandResult, bool)) (*task.CommandResult, bool) {

	switch outcome.Kind {
	case monitorCompleted:
		warning := outcome.Error != nil
		// Build the message while strategy state for this command is
		// still alive; PostComplete consumes it.
		msg := strat.SuccessMessage(env, warning)
		res.Error = outcome.Error
		status := task.StatusSuccess
		if warning {
			status = task.StatusWarning
		}
		res.Status = status
		res.Message = msg
		res.CompletedAt = outcome.DetectedAt
		if err := strat.PostComplete(w.client, w.signals, env, res); err != nil {
			logging.DebugError("worker", "%s slot %d: post-complete: %v", w.device, w.slot, err)
		}
		return res, false

	case monitorFailed:
		res.Error = outcome.Error
		r, _ := finish(task.StatusFailed, strat.FailureMessage(env, outcome.Error))
		return r, true

	case monitorAlarm:
		res.Error = outcome.Error
		r, _ := finish(task.StatusFailed, strat.FailureMessage(env, outcome.Error))
		return r, true

	default: // monitorCancelled: the command deadline or shutdown fired.
		res.Error = outcome.Error
		status, kind := classifyContextErr(ctx.Err())
		return finish(status, fmt.Sprintf("command %s: %s", env.ID, kind))
	}
}

// runSteps is the step machine: pre-trigger, parameters, trigger,
// start-process, post-trigger, then idle until cancelled. Completion
// detection belongs to the monitor.
func (w *worker) runSteps(ctx context.Context, strat strategy.Strategy, env *task.CommandEnvelope, steps *task.Steps) (*task.CommandResult, error) {
	if res, err := strat.PreTrigger(ctx, w.client, w.signals, env, steps); res != nil || err != nil {
		return res, err
	}
	if err := strat.WriteParameters(w.client, w.signals, env, steps); err != nil {
		return nil, err
	}
	trigger := strat.TriggerAddress(w.signals)
	if err := w.client.WriteBool(trigger, true); err != nil {
		return nil, fmt.Errorf("write trigger %s: %w", trigger, err)
	}
	steps.Add("trigger", trigger)
	if err := w.client.WriteBool(w.signals.StartProcess, true); err != nil {
		return nil, fmt.Errorf("write start-process: %w", err)
	}
	steps.Add("start-process", "ok")
	if res, err := strat.PostTrigger(ctx, w.client, w.signals, env, steps); res != nil || err != nil {
		return res, err
	}

	<-ctx.Done()
	return nil, nil
}

// waitDeviceReady polls DeviceReady once per second until set or the
// context expires.
func (w *worker) waitDeviceReady(ctx context.Context) error {
	ticker := time.NewTicker(deviceReadyPollInterval)
	defer ticker.Stop()

	for {
		ready, err := w.client.ReadBool(w.signals.DeviceReady)
		if err == nil && ready {
			return nil
		}
		if err != nil {
			logging.DebugLog("worker", "%s slot %d: ready poll: %v", w.device, w.slot, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// classifyContextErr maps a context error onto the terminal status a
// worker reports for it.
func classifyContextErr(err error) (task.ExecutionStatus, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return task.StatusTimeout, "timed out"
	}
	return task.StatusCancelled, "cancelled"
}

// sleepCtx waits d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
