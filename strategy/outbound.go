package strategy

import (
	"fmt"

	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/task"
)

// Outbound retrieves a pallet from a storage position and delivers it
// to a gate.
type Outbound struct {
	base
}

func (s *Outbound) CommandType() task.CommandType { return task.CommandOutbound }

func (s *Outbound) TriggerAddress(m *signal.Map) string    { return m.OutboundTrigger }
func (s *Outbound) CompletionAddress(m *signal.Map) string { return m.OutboundCompleted }

func (s *Outbound) Validate(env *task.CommandEnvelope) error {
	if err := checkType(task.CommandOutbound, env); err != nil {
		return err
	}
	if env.Source == nil {
		return fmt.Errorf("outbound command %s requires a source location", env.ID)
	}
	if env.Gate <= 0 {
		return fmt.Errorf("outbound command %s requires a gate number", env.ID)
	}
	return nil
}

func (s *Outbound) WriteParameters(client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) error {
	if err := writeLocation(client, m.SourceFloor, m.SourceRail, m.SourceBlock, env.Source, steps); err != nil {
		return err
	}
	if err := writeGate(client, m, env.Gate, steps); err != nil {
		return err
	}
	return writeDirections(client, m, env, true, steps)
}

func (s *Outbound) SuccessMessage(env *task.CommandEnvelope, warning bool) string {
	if warning {
		return fmt.Sprintf("Outbound %s from %s to gate %d completed with warning", env.ID, env.Source, env.Gate)
	}
	return fmt.Sprintf("Outbound %s from %s to gate %d completed", env.ID, env.Source, env.Gate)
}

func (s *Outbound) FailureMessage(env *task.CommandEnvelope, detail *task.ErrorDetail) string {
	if detail != nil {
		return fmt.Sprintf("Outbound %s from %s failed: %s", env.ID, env.Source, detail)
	}
	return fmt.Sprintf("Outbound %s from %s failed", env.ID, env.Source)
}
