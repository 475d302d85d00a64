package track

import (
	"time"

	"shuttlelink/logging"
	"shuttlelink/task"
)

// DeviceErrorGate marks a device as undispatchable after a terminal
// failure on one of its slots. All slots of the device are skipped by
// the matchmaker until recovery clears the gate.
type DeviceErrorGate struct {
	Device    string            `json:"device"`
	FirstSlot int               `json:"first_slot"`
	Message   string            `json:"message"`
	Error     *task.ErrorDetail `json:"error,omitempty"`
	Since     time.Time         `json:"since"`
}

// GlobalAlarmGate suppresses all dispatches while an alarm is active.
// It is cleared when the originating command reaches a terminal state.
type GlobalAlarmGate struct {
	CommandID string            `json:"command_id"`
	Error     *task.ErrorDetail `json:"error,omitempty"`
	Since     time.Time         `json:"since"`
}

// SetDeviceError raises the device-error gate for a device. The first
// raising slot wins; later calls while the gate is active are ignored.
// This must happen before the failing result is published so the
// matchmaker cannot dispatch into the failed device.
func (t *Tracker) SetDeviceError(device string, slot int, message string, detail *task.ErrorDetail) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, active := t.deviceErrors[device]; active {
		return
	}
	t.deviceErrors[device] = &DeviceErrorGate{
		Device:    device,
		FirstSlot: slot,
		Message:   message,
		Error:     detail,
		Since:     time.Now(),
	}
	logging.DebugLog("track", "device-error gate set for %s (slot %d): %s", device, slot, message)
}

// ClearDeviceError releases the device-error gate for a device.
func (t *Tracker) ClearDeviceError(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, active := t.deviceErrors[device]; active {
		delete(t.deviceErrors, device)
		logging.DebugLog("track", "device-error gate cleared for %s", device)
	}
}

// DeviceError returns the active gate for a device, if any.
func (t *Tracker) DeviceError(device string) (DeviceErrorGate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	gate, ok := t.deviceErrors[device]
	if !ok {
		return DeviceErrorGate{}, false
	}
	return *gate, true
}

// DeviceErrors returns all active device-error gates.
func (t *Tracker) DeviceErrors() []DeviceErrorGate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DeviceErrorGate, 0, len(t.deviceErrors))
	for _, gate := range t.deviceErrors {
		out = append(out, *gate)
	}
	return out
}

// ClearAlarm drops the global alarm gate if it was raised by the given
// command.
func (t *Tracker) ClearAlarm(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.alarm != nil && t.alarm.CommandID == commandID {
		t.alarm = nil
		logging.DebugLog("track", "alarm gate cleared for %s", commandID)
	}
}

// Alarm returns the active global alarm gate, if any.
func (t *Tracker) Alarm() (GlobalAlarmGate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.alarm == nil {
		return GlobalAlarmGate{}, false
	}
	return *t.alarm, true
}
