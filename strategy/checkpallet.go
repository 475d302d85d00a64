package strategy

import (
	"fmt"

	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/task"
)

// CheckPallet probes a storage position for pallet presence. The PLC
// reports the outcome through the available/unavailable flag pair,
// which is copied onto the result. CheckPallet always fails on alarm,
// regardless of the device's fail-on-alarm setting.
type CheckPallet struct {
	base
}

func (s *CheckPallet) CommandType() task.CommandType { return task.CommandCheckPallet }

func (s *CheckPallet) TriggerAddress(m *signal.Map) string    { return m.PalletCheckTrigger }
func (s *CheckPallet) CompletionAddress(m *signal.Map) string { return m.PalletCheckCompleted }

func (s *CheckPallet) AlwaysFailOnAlarm() bool { return true }

func (s *CheckPallet) Validate(env *task.CommandEnvelope) error {
	if err := checkType(task.CommandCheckPallet, env); err != nil {
		return err
	}
	if env.Source == nil {
		return fmt.Errorf("check-pallet command %s requires a source location", env.ID)
	}
	if env.Source.Depth < 1 {
		return fmt.Errorf("check-pallet command %s requires a source depth", env.ID)
	}
	return nil
}

func (s *CheckPallet) WriteParameters(client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) error {
	if err := writeLocation(client, m.SourceFloor, m.SourceRail, m.SourceBlock, env.Source, steps); err != nil {
		return err
	}
	if err := client.WriteWord(m.SourceDepth, uint16(env.Source.Depth)); err != nil {
		return fmt.Errorf("write depth: %w", err)
	}
	steps.Add("write-depth", fmt.Sprintf("%d", env.Source.Depth))
	return nil
}

// PostComplete reads the pallet presence flag pair onto the result.
func (s *CheckPallet) PostComplete(client plc.Client, m *signal.Map, env *task.CommandEnvelope, res *task.CommandResult) error {
	available, err := client.ReadBool(m.AvailablePallet)
	if err != nil {
		return fmt.Errorf("read available-pallet: %w", err)
	}
	unavailable, err := client.ReadBool(m.UnavailablePallet)
	if err != nil {
		return fmt.Errorf("read unavailable-pallet: %w", err)
	}
	res.PalletAvailable = &available
	res.PalletUnavailable = &unavailable
	res.Steps.Add("read-pallet-flags", fmt.Sprintf("available=%v unavailable=%v", available, unavailable))
	return nil
}

func (s *CheckPallet) SuccessMessage(env *task.CommandEnvelope, warning bool) string {
	if warning {
		return fmt.Sprintf("Pallet check %s at %s completed with warning", env.ID, env.Source)
	}
	return fmt.Sprintf("Pallet check %s at %s completed", env.ID, env.Source)
}

func (s *CheckPallet) FailureMessage(env *task.CommandEnvelope, detail *task.ErrorDetail) string {
	if detail != nil {
		return fmt.Sprintf("Pallet check %s at %s failed: %s", env.ID, env.Source, detail)
	}
	return fmt.Sprintf("Pallet check %s at %s failed", env.ID, env.Source)
}
