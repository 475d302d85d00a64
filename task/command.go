// Package task defines the transport task model shared by the engine,
// the strategies and the public facade: command envelopes, locations,
// execution results and PLC error details.
package task

import (
	"fmt"
	"strings"
	"time"
)

// CommandType identifies the kind of transport task.
type CommandType int

const (
	CommandInbound CommandType = iota + 1
	CommandOutbound
	CommandTransfer
	CommandCheckPallet
)

func (t CommandType) String() string {
	switch t {
	case CommandInbound:
		return "Inbound"
	case CommandOutbound:
		return "Outbound"
	case CommandTransfer:
		return "Transfer"
	case CommandCheckPallet:
		return "CheckPallet"
	default:
		return "Unknown"
	}
}

// ParseCommandType converts a command type name to its enum value.
// Matching is case-insensitive.
func ParseCommandType(s string) (CommandType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound":
		return CommandInbound, nil
	case "outbound":
		return CommandOutbound, nil
	case "transfer":
		return CommandTransfer, nil
	case "checkpallet", "check_pallet", "check-pallet":
		return CommandCheckPallet, nil
	default:
		return 0, fmt.Errorf("unknown command type: %q", s)
	}
}

// Exclusive reports whether the command type requires system-wide
// exclusivity: a Transfer or CheckPallet may only run when nothing else
// is processing, and blocks all other dispatches while it runs.
func (t CommandType) Exclusive() bool {
	return t == CommandTransfer || t == CommandCheckPallet
}

// Direction is the side a pallet enters or exits the machinery on.
// It serializes to a single PLC boolean (Top = true).
type Direction int

const (
	DirectionBottom Direction = iota
	DirectionTop
)

func (d Direction) String() string {
	if d == DirectionTop {
		return "Top"
	}
	return "Bottom"
}

// Bool returns the wire encoding of the direction.
func (d Direction) Bool() bool {
	return d == DirectionTop
}

// DirectionFromBool decodes the wire encoding.
func DirectionFromBool(b bool) Direction {
	if b {
		return DirectionTop
	}
	return DirectionBottom
}

// CommandEnvelope is an immutable transport task description as
// submitted by a client. The engine never mutates an envelope after
// acceptance.
type CommandEnvelope struct {
	ID          string       `json:"id"`
	Device      string       `json:"device,omitempty"` // affinity hint, empty = any device
	Type        CommandType  `json:"type"`
	Source      *Location    `json:"source,omitempty"`
	Destination *Location    `json:"destination,omitempty"`
	Gate        int          `json:"gate,omitempty"`
	EnterDir    Direction    `json:"enter_dir,omitempty"`
	ExitDir     Direction    `json:"exit_dir,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// Validate checks the envelope against the per-type requirements table.
// Inbound needs neither source nor destination up front; the barcode
// validation step injects the destination later.
func (e *CommandEnvelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("command id is required")
	}
	switch e.Type {
	case CommandInbound:
		// Destination and gate arrive via barcode validation.
	case CommandOutbound:
		if e.Source == nil {
			return fmt.Errorf("outbound command %s requires a source location", e.ID)
		}
	case CommandTransfer:
		if e.Source == nil {
			return fmt.Errorf("transfer command %s requires a source location", e.ID)
		}
		if e.Destination == nil {
			return fmt.Errorf("transfer command %s requires a destination location", e.ID)
		}
	case CommandCheckPallet:
		if e.Source == nil {
			return fmt.Errorf("check-pallet command %s requires a source location", e.ID)
		}
	default:
		return fmt.Errorf("command %s has unknown type %d", e.ID, int(e.Type))
	}
	return nil
}
