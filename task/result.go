package task

import "time"

// ExecutionStatus is the engine-internal outcome of a command
// execution. Alarm is an intermediate notification; the other five are
// terminal.
type ExecutionStatus int

const (
	StatusSuccess ExecutionStatus = iota + 1
	StatusWarning
	StatusFailed
	StatusTimeout
	StatusCancelled
	StatusAlarm
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusWarning:
		return "Warning"
	case StatusFailed:
		return "Failed"
	case StatusTimeout:
		return "Timeout"
	case StatusCancelled:
		return "Cancelled"
	case StatusAlarm:
		return "Alarm"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status ends the command's lifecycle.
func (s ExecutionStatus) Terminal() bool {
	return s != StatusAlarm
}

// Step records one protocol action taken during execution, kept for
// diagnostics on the result.
type Step struct {
	Name   string    `json:"name"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Steps is an ordered execution trace.
type Steps []Step

// Add appends a step with the current timestamp.
func (s *Steps) Add(name, detail string) {
	*s = append(*s, Step{Name: name, Detail: detail, At: time.Now()})
}

// CommandResult is the intermediate result record produced by a slot
// worker or signal monitor and consumed by the reply hub.
type CommandResult struct {
	CommandID   string          `json:"command_id"`
	Device      string          `json:"device"`
	Slot        int             `json:"slot"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`

	// CheckPallet only.
	PalletAvailable   *bool `json:"pallet_available,omitempty"`
	PalletUnavailable *bool `json:"pallet_unavailable,omitempty"`

	Error *ErrorDetail `json:"error,omitempty"`
	Steps Steps        `json:"steps,omitempty"`
}

// Outcome is the collapsed public status carried on notifications:
// {Warning, Success} -> success, {Failed, Timeout, Cancelled} ->
// failed, {Alarm} -> error (intermediate).
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeError   Outcome = "error"
)

// Notification is the broadcast-bus record delivered to observers.
type Notification struct {
	CommandID   string       `json:"command_id"`
	Device      string       `json:"device"`
	Outcome     Outcome      `json:"outcome"`
	Status      string       `json:"status"`
	Message     string       `json:"message,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
	DurationMS  int64        `json:"duration_ms"`
	Error       *ErrorDetail `json:"error,omitempty"`
	Steps       Steps        `json:"steps,omitempty"`

	PalletAvailable   *bool `json:"pallet_available,omitempty"`
	PalletUnavailable *bool `json:"pallet_unavailable,omitempty"`
}

// Notification maps the internal result to its public form.
func (r *CommandResult) Notification() Notification {
	var outcome Outcome
	switch r.Status {
	case StatusSuccess, StatusWarning:
		outcome = OutcomeSuccess
	case StatusAlarm:
		outcome = OutcomeError
	default:
		outcome = OutcomeFailed
	}

	var dur int64
	if !r.CompletedAt.IsZero() && !r.StartedAt.IsZero() {
		dur = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
	}

	return Notification{
		CommandID:         r.CommandID,
		Device:            r.Device,
		Outcome:           outcome,
		Status:            r.Status.String(),
		Message:           r.Message,
		CompletedAt:       r.CompletedAt,
		DurationMS:        dur,
		Error:             r.Error,
		Steps:             r.Steps,
		PalletAvailable:   r.PalletAvailable,
		PalletUnavailable: r.PalletUnavailable,
	}
}
