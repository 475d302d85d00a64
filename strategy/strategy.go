// Package strategy encodes the per-command PLC interaction protocol:
// which registers each command type writes, which trigger it raises,
// and which completion flag it watches. One strategy exists per
// command type; all are stateless except Inbound, which holds the
// barcode validation response until the command completes.
package strategy

import (
	"context"
	"fmt"

	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/task"
)

// Strategy is the contract a slot worker drives a command through.
type Strategy interface {
	// CommandType returns the command type this strategy serves.
	CommandType() task.CommandType

	// TriggerAddress returns the boolean the worker raises to start
	// the command on the PLC.
	TriggerAddress(m *signal.Map) string

	// CompletionAddress returns the boolean the signal monitor
	// watches for command completion.
	CompletionAddress(m *signal.Map) string

	// Validate rejects envelopes of the wrong type or with missing
	// required locations. Called before dispatch.
	Validate(env *task.CommandEnvelope) error

	// WriteParameters writes the position, gate and direction
	// registers for the command.
	WriteParameters(client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) error

	// PreTrigger runs before the trigger flag is raised. A non-nil
	// result terminates the command immediately.
	PreTrigger(ctx context.Context, client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) (*task.CommandResult, error)

	// PostTrigger runs after the trigger flag is raised. A non-nil
	// result terminates the command immediately.
	PostTrigger(ctx context.Context, client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) (*task.CommandResult, error)

	// PostComplete runs once the completion signal has been observed,
	// before the result is published. It may decorate the result.
	PostComplete(client plc.Client, m *signal.Map, env *task.CommandEnvelope, res *task.CommandResult) error

	// AlwaysFailOnAlarm reports whether any alarm terminates the
	// command regardless of the device's fail-on-alarm setting.
	AlwaysFailOnAlarm() bool

	// SuccessMessage builds the operator-facing completion message.
	SuccessMessage(env *task.CommandEnvelope, warning bool) string

	// FailureMessage builds the operator-facing failure message.
	FailureMessage(env *task.CommandEnvelope, detail *task.ErrorDetail) string
}

// base carries the no-op phases shared by the simple strategies.
type base struct{}

func (base) PreTrigger(ctx context.Context, client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) (*task.CommandResult, error) {
	return nil, nil
}

func (base) PostTrigger(ctx context.Context, client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) (*task.CommandResult, error) {
	return nil, nil
}

func (base) PostComplete(client plc.Client, m *signal.Map, env *task.CommandEnvelope, res *task.CommandResult) error {
	return nil
}

func (base) AlwaysFailOnAlarm() bool { return false }

// Registry holds the strategy instances for all command types.
type Registry struct {
	inbound     *Inbound
	outbound    *Outbound
	transfer    *Transfer
	checkPallet *CheckPallet
}

// NewRegistry builds the strategy set. The barcode validator may be
// nil at construction and installed later via SetValidator; it must be
// installed before the first Inbound command executes.
func NewRegistry(validator BarcodeValidator) *Registry {
	return &Registry{
		inbound:     NewInbound(validator),
		outbound:    &Outbound{},
		transfer:    &Transfer{},
		checkPallet: &CheckPallet{},
	}
}

// SetValidator installs the barcode validation collaborator.
func (r *Registry) SetValidator(v BarcodeValidator) {
	r.inbound.SetValidator(v)
}

// HasValidator reports whether a barcode validator is installed.
func (r *Registry) HasValidator() bool {
	return r.inbound.hasValidator()
}

// ForType returns the strategy for a command type.
func (r *Registry) ForType(t task.CommandType) (Strategy, error) {
	switch t {
	case task.CommandInbound:
		return r.inbound, nil
	case task.CommandOutbound:
		return r.outbound, nil
	case task.CommandTransfer:
		return r.transfer, nil
	case task.CommandCheckPallet:
		return r.checkPallet, nil
	default:
		return nil, fmt.Errorf("no strategy for command type %d", int(t))
	}
}

// checkType guards a strategy against envelopes of a foreign type.
func checkType(want task.CommandType, env *task.CommandEnvelope) error {
	if env.Type != want {
		return fmt.Errorf("command %s: strategy %s cannot execute %s", env.ID, want, env.Type)
	}
	return nil
}

// writeLocation writes one location's floor, rail and block registers.
func writeLocation(client plc.Client, floorAddr, railAddr, blockAddr string, loc *task.Location, steps *task.Steps) error {
	if err := client.WriteWord(floorAddr, uint16(loc.Floor)); err != nil {
		return fmt.Errorf("write floor: %w", err)
	}
	if err := client.WriteWord(railAddr, uint16(loc.Rail)); err != nil {
		return fmt.Errorf("write rail: %w", err)
	}
	if err := client.WriteWord(blockAddr, uint16(loc.Block)); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	steps.Add("write-location", loc.String())
	return nil
}

// writeGate writes the gate number register.
func writeGate(client plc.Client, m *signal.Map, gate int, steps *task.Steps) error {
	if err := client.WriteWord(m.Gate, uint16(gate)); err != nil {
		return fmt.Errorf("write gate: %w", err)
	}
	steps.Add("write-gate", fmt.Sprintf("%d", gate))
	return nil
}

// writeDirections writes the enter and exit direction flags. Pass a
// nil exit address to skip the exit direction.
func writeDirections(client plc.Client, m *signal.Map, env *task.CommandEnvelope, writeExit bool, steps *task.Steps) error {
	if writeExit {
		if err := client.WriteBool(m.ExitDir, env.ExitDir.Bool()); err != nil {
			return fmt.Errorf("write exit direction: %w", err)
		}
		steps.Add("write-exit-dir", env.ExitDir.String())
	}
	if err := client.WriteBool(m.EnterDir, env.EnterDir.Bool()); err != nil {
		return fmt.Errorf("write enter direction: %w", err)
	}
	steps.Add("write-enter-dir", env.EnterDir.String())
	return nil
}
