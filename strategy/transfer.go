package strategy

import (
	"fmt"

	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/task"
)

// Transfer relocates a pallet between two storage positions. Transfers
// are exclusive: the matchmaker dispatches one only when nothing else
// is processing.
type Transfer struct {
	base
}

func (s *Transfer) CommandType() task.CommandType { return task.CommandTransfer }

func (s *Transfer) TriggerAddress(m *signal.Map) string    { return m.TransferTrigger }
func (s *Transfer) CompletionAddress(m *signal.Map) string { return m.TransferCompleted }

func (s *Transfer) Validate(env *task.CommandEnvelope) error {
	if err := checkType(task.CommandTransfer, env); err != nil {
		return err
	}
	if env.Source == nil {
		return fmt.Errorf("transfer command %s requires a source location", env.ID)
	}
	if env.Destination == nil {
		return fmt.Errorf("transfer command %s requires a destination location", env.ID)
	}
	return nil
}

func (s *Transfer) WriteParameters(client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) error {
	if err := writeLocation(client, m.SourceFloor, m.SourceRail, m.SourceBlock, env.Source, steps); err != nil {
		return err
	}
	if err := writeLocation(client, m.DestFloor, m.DestRail, m.DestBlock, env.Destination, steps); err != nil {
		return err
	}
	return writeDirections(client, m, env, true, steps)
}

func (s *Transfer) SuccessMessage(env *task.CommandEnvelope, warning bool) string {
	if warning {
		return fmt.Sprintf("Transfer %s from %s to %s completed with warning", env.ID, env.Source, env.Destination)
	}
	return fmt.Sprintf("Transfer %s from %s to %s completed", env.ID, env.Source, env.Destination)
}

func (s *Transfer) FailureMessage(env *task.CommandEnvelope, detail *task.ErrorDetail) string {
	if detail != nil {
		return fmt.Sprintf("Transfer %s from %s to %s failed: %s", env.ID, env.Source, env.Destination, detail)
	}
	return fmt.Sprintf("Transfer %s from %s to %s failed", env.ID, env.Source, env.Destination)
}
