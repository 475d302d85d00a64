package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"shuttlelink/logging"
	"shuttlelink/plc"
	"shuttlelink/signal"
	"shuttlelink/task"
)

// barcodePollInterval is the cadence of the barcode register sweep.
const barcodePollInterval = 500 * time.Millisecond

// emptyBarcode is the all-zero register pattern meaning "no pallet
// scanned yet".
var emptyBarcode = strings.Repeat("0", signal.BarcodeLength)

// Inbound stores a pallet arriving at a gate. The destination is not
// known up front: after the trigger, the PLC scans the pallet barcode,
// the gateway reads it register by register and asks the external
// validation collaborator where the pallet belongs. On a valid verdict
// the destination, gate and enter direction are written back; on an
// invalid one the PLC is told so and decides the final outcome itself.
//
// Inbound is the only stateful strategy: the validation response is
// held until the command's completion signal is consumed.
type Inbound struct {
	base

	validator BarcodeValidator
	pending   map[string]BarcodeResponse // command id -> single-use response
	mu        sync.Mutex
}

// NewInbound creates the inbound strategy.
func NewInbound(validator BarcodeValidator) *Inbound {
	return &Inbound{
		validator: validator,
		pending:   make(map[string]BarcodeResponse),
	}
}

// SetValidator installs the validation collaborator. It must be set
// before the first inbound command executes.
func (s *Inbound) SetValidator(v BarcodeValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validator = v
}

func (s *Inbound) hasValidator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validator != nil
}

func (s *Inbound) CommandType() task.CommandType { return task.CommandInbound }

func (s *Inbound) TriggerAddress(m *signal.Map) string    { return m.InboundTrigger }
func (s *Inbound) CompletionAddress(m *signal.Map) string { return m.InboundCompleted }

func (s *Inbound) Validate(env *task.CommandEnvelope) error {
	if err := checkType(task.CommandInbound, env); err != nil {
		return err
	}
	if !s.hasValidator() {
		return fmt.Errorf("inbound command %s: no barcode validator installed", env.ID)
	}
	return nil
}

// WriteParameters is a no-op for inbound; every parameter is written
// in the post-trigger phase once the barcode verdict is in.
func (s *Inbound) WriteParameters(client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) error {
	return nil
}

// PostTrigger runs the barcode validation protocol.
func (s *Inbound) PostTrigger(ctx context.Context, client plc.Client, m *signal.Map, env *task.CommandEnvelope, steps *task.Steps) (*task.CommandResult, error) {
	barcode, err := s.readBarcode(ctx, client, m)
	if err != nil {
		return nil, err
	}
	steps.Add("read-barcode", barcode)
	logging.DebugLog("strategy", "inbound %s: barcode %q", env.ID, barcode)

	resp := s.validate(ctx, env, barcode)

	if !resp.Usable() {
		// The PLC owns the final verdict for rejected pallets: flag the
		// barcode invalid and keep executing.
		if err := client.WriteBool(m.BarcodeInvalid, true); err != nil {
			return nil, fmt.Errorf("write barcode-invalid: %w", err)
		}
		if err := client.WriteBool(m.BarcodeValid, false); err != nil {
			return nil, fmt.Errorf("write barcode-valid: %w", err)
		}
		steps.Add("barcode-rejected", barcode)
		logging.DebugLog("strategy", "inbound %s: barcode %q rejected", env.ID, barcode)
		return nil, nil
	}

	s.mu.Lock()
	s.pending[env.ID] = resp
	s.mu.Unlock()

	if err := client.WriteBool(m.BarcodeValid, true); err != nil {
		return nil, fmt.Errorf("write barcode-valid: %w", err)
	}
	if err := client.WriteBool(m.BarcodeInvalid, false); err != nil {
		return nil, fmt.Errorf("write barcode-invalid: %w", err)
	}
	if err := writeLocation(client, m.DestFloor, m.DestRail, m.DestBlock, resp.Destination, steps); err != nil {
		return nil, err
	}
	if err := writeGate(client, m, resp.Gate, steps); err != nil {
		return nil, err
	}
	if err := client.WriteBool(m.EnterDir, resp.EnterDir.Bool()); err != nil {
		return nil, fmt.Errorf("write enter direction: %w", err)
	}
	steps.Add("barcode-accepted", fmt.Sprintf("%s -> %s gate %d", barcode, resp.Destination, resp.Gate))
	return nil, nil
}

// readBarcode polls the ten character registers until a complete
// barcode is present. A register reading as anything but exactly one
// character truncates the sweep at that position; truncated or
// all-zero sweeps are retried until the context expires.
func (s *Inbound) readBarcode(ctx context.Context, client plc.Client, m *signal.Map) (string, error) {
	ticker := time.NewTicker(barcodePollInterval)
	defer ticker.Stop()

	for {
		barcode, err := s.sweepBarcode(client, m)
		if err != nil {
			return "", err
		}
		if len(barcode) == signal.BarcodeLength && barcode != emptyBarcode {
			return barcode, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no valid barcode read: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// sweepBarcode reads the ten registers once, truncating at the first
// register that does not hold exactly one character.
func (s *Inbound) sweepBarcode(client plc.Client, m *signal.Map) (string, error) {
	var sb strings.Builder
	for i := 0; i < signal.BarcodeLength; i++ {
		ch, err := client.ReadChar(m.Barcode[i])
		if err != nil {
			return "", fmt.Errorf("read barcode register %d: %w", i, err)
		}
		if len(ch) != 1 {
			return sb.String(), nil
		}
		sb.WriteString(ch)
	}
	return sb.String(), nil
}

// validate asks the collaborator, bounded by ValidationDeadline. Any
// error (including timeout) counts as an invalid response.
func (s *Inbound) validate(ctx context.Context, env *task.CommandEnvelope, barcode string) BarcodeResponse {
	s.mu.Lock()
	validator := s.validator
	s.mu.Unlock()

	if validator == nil {
		return BarcodeResponse{}
	}

	vctx, cancel := context.WithTimeout(ctx, ValidationDeadline)
	defer cancel()

	resp, err := validator(vctx, BarcodeRequest{
		CommandID: env.ID,
		Device:    env.Device,
		Barcode:   barcode,
	})
	if err != nil {
		logging.DebugLog("strategy", "inbound %s: validator error: %v", env.ID, err)
		return BarcodeResponse{}
	}
	return resp
}

// PostComplete consumes the single-use validation response.
func (s *Inbound) PostComplete(client plc.Client, m *signal.Map, env *task.CommandEnvelope, res *task.CommandResult) error {
	s.mu.Lock()
	delete(s.pending, env.ID)
	s.mu.Unlock()
	return nil
}

// destination returns the stored validation response, if any.
func (s *Inbound) destination(commandID string) (BarcodeResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.pending[commandID]
	return resp, ok
}

func (s *Inbound) SuccessMessage(env *task.CommandEnvelope, warning bool) string {
	dest := "validated destination"
	if resp, ok := s.destination(env.ID); ok && resp.Destination != nil {
		dest = resp.Destination.String()
	}
	if warning {
		return fmt.Sprintf("Inbound %s stored at %s with warning", env.ID, dest)
	}
	return fmt.Sprintf("Inbound %s stored at %s", env.ID, dest)
}

func (s *Inbound) FailureMessage(env *task.CommandEnvelope, detail *task.ErrorDetail) string {
	if detail != nil {
		return fmt.Sprintf("Inbound %s failed: %s", env.ID, detail)
	}
	return fmt.Sprintf("Inbound %s failed", env.ID)
}
