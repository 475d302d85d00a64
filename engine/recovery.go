package engine

import (
	"context"
	"time"

	"shuttlelink/logging"
)

// RecoveryMode selects how a slot returns to service after a terminal
// failure gated its device.
type RecoveryMode string

const (
	// RecoveryAuto polls the device until it reports clean.
	RecoveryAuto RecoveryMode = "auto"
	// RecoveryManual waits for an operator to assert recovery, then
	// verifies the device is clean.
	RecoveryManual RecoveryMode = "manual"
)

// Valid reports whether the mode is one of the known values.
func (m RecoveryMode) Valid() bool {
	return m == RecoveryAuto || m == RecoveryManual
}

// recoverDevice blocks until the device passes the clean-state check
// and the error gate is cleared, per the device's recovery mode.
// Returns false if the context ended first.
func (w *worker) recoverDevice(ctx context.Context) bool {
	logging.DebugLog("recovery", "%s slot %d entering %s recovery", w.device, w.slot, w.opts.RecoveryMode)

	switch w.opts.RecoveryMode {
	case RecoveryManual:
		return w.recoverManual(ctx)
	default:
		return w.recoverAuto(ctx)
	}
}

func (w *worker) recoverAuto(ctx context.Context) bool {
	ticker := time.NewTicker(w.opts.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		ready, err := w.client.ReadBool(w.signals.DeviceReady)
		if err != nil || !ready {
			continue
		}
		if w.deviceClean() {
			w.clearGate()
			return true
		}
	}
}

func (w *worker) recoverManual(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-w.recoverCh:
		}

		if w.deviceClean() {
			w.clearGate()
			return true
		}
		logging.DebugError("recovery", "%s slot %d: manual recovery rejected, device not clean", w.device, w.slot)
	}
}

// deviceClean is the triple check: DeviceReady set, CommandFailed and
// ErrorAlarm both clear. Read errors count as not clean.
func (w *worker) deviceClean() bool {
	ready, err := w.client.ReadBool(w.signals.DeviceReady)
	if err != nil || !ready {
		return false
	}
	failed, err := w.client.ReadBool(w.signals.CommandFailed)
	if err != nil || failed {
		return false
	}
	alarm, err := w.client.ReadBool(w.signals.ErrorAlarm)
	if err != nil || alarm {
		return false
	}
	return true
}

func (w *worker) clearGate() {
	w.tracker.ClearDeviceError(w.device)
	logging.DebugLog("recovery", "%s slot %d recovered", w.device, w.slot)
}
