// Package signal defines the logical PLC signal map for one slot. A
// Template names every signal with its offset-only address; binding the
// template to a slot's data-block number yields the immutable resolved
// Map the engine drives the protocol through.
package signal

import (
	"fmt"
	"strings"
)

// BarcodeLength is the number of single-character barcode registers.
const BarcodeLength = 10

// Template holds the offset-only address of every logical signal,
// without the data-block prefix. The same template serves every slot
// of a device; slots differ only by data-block number.
type Template struct {
	// Handshake and state flags
	SoftwareConnected string `yaml:"software_connected"`
	DeviceReady       string `yaml:"device_ready"`
	StartProcess      string `yaml:"start_process"`
	CommandFailed     string `yaml:"command_failed"`
	ErrorAlarm        string `yaml:"error_alarm"`
	ErrorCode         string `yaml:"error_code"`

	// Command triggers
	InboundTrigger     string `yaml:"inbound_trigger"`
	OutboundTrigger    string `yaml:"outbound_trigger"`
	TransferTrigger    string `yaml:"transfer_trigger"`
	PalletCheckTrigger string `yaml:"pallet_check_trigger"`

	// Completion flags
	InboundCompleted     string `yaml:"inbound_completed"`
	OutboundCompleted    string `yaml:"outbound_completed"`
	TransferCompleted    string `yaml:"transfer_completed"`
	PalletCheckCompleted string `yaml:"pallet_check_completed"`

	// Barcode validation flags and pallet-check results
	BarcodeValid      string `yaml:"barcode_valid"`
	BarcodeInvalid    string `yaml:"barcode_invalid"`
	AvailablePallet   string `yaml:"available_pallet"`
	UnavailablePallet string `yaml:"unavailable_pallet"`

	// Position and parameter registers
	SourceFloor string `yaml:"source_floor"`
	SourceRail  string `yaml:"source_rail"`
	SourceBlock string `yaml:"source_block"`
	SourceDepth string `yaml:"source_depth"`
	DestFloor   string `yaml:"dest_floor"`
	DestRail    string `yaml:"dest_rail"`
	DestBlock   string `yaml:"dest_block"`
	Gate        string `yaml:"gate"`
	EnterDir    string `yaml:"enter_dir"`
	ExitDir     string `yaml:"exit_dir"`

	// Current machine position
	CurrentFloor string `yaml:"current_floor"`
	CurrentRail  string `yaml:"current_rail"`
	CurrentBlock string `yaml:"current_block"`
	CurrentDepth string `yaml:"current_depth"`

	// Ten single-character barcode registers
	Barcode [BarcodeLength]string `yaml:"barcode"`
}

// DefaultTemplate returns the standard register layout shared by the
// shuttle PLC program.
func DefaultTemplate() *Template {
	t := &Template{
		SoftwareConnected: "DBX0.0",
		DeviceReady:       "DBX0.1",
		StartProcess:      "DBX0.2",
		CommandFailed:     "DBX0.3",
		ErrorAlarm:        "DBX0.4",
		ErrorCode:         "DBW2",

		InboundTrigger:     "DBX4.0",
		OutboundTrigger:    "DBX4.1",
		TransferTrigger:    "DBX4.2",
		PalletCheckTrigger: "DBX4.3",

		InboundCompleted:     "DBX6.0",
		OutboundCompleted:    "DBX6.1",
		TransferCompleted:    "DBX6.2",
		PalletCheckCompleted: "DBX6.3",

		BarcodeValid:      "DBX8.0",
		BarcodeInvalid:    "DBX8.1",
		AvailablePallet:   "DBX8.2",
		UnavailablePallet: "DBX8.3",

		SourceFloor: "DBW10",
		SourceRail:  "DBW12",
		SourceBlock: "DBW14",
		SourceDepth: "DBW16",
		DestFloor:   "DBW18",
		DestRail:    "DBW20",
		DestBlock:   "DBW22",
		Gate:        "DBW24",
		EnterDir:    "DBX26.0",
		ExitDir:     "DBX26.1",

		CurrentFloor: "DBW28",
		CurrentRail:  "DBW30",
		CurrentBlock: "DBW32",
		CurrentDepth: "DBW34",
	}
	for i := 0; i < BarcodeLength; i++ {
		t.Barcode[i] = fmt.Sprintf("DBW%d", 40+2*i)
	}
	return t
}

// signals returns every named signal address of the template in a
// stable order.
func (t *Template) signals() []struct{ name, addr string } {
	out := []struct{ name, addr string }{
		{"software_connected", t.SoftwareConnected},
		{"device_ready", t.DeviceReady},
		{"start_process", t.StartProcess},
		{"command_failed", t.CommandFailed},
		{"error_alarm", t.ErrorAlarm},
		{"error_code", t.ErrorCode},
		{"inbound_trigger", t.InboundTrigger},
		{"outbound_trigger", t.OutboundTrigger},
		{"transfer_trigger", t.TransferTrigger},
		{"pallet_check_trigger", t.PalletCheckTrigger},
		{"inbound_completed", t.InboundCompleted},
		{"outbound_completed", t.OutboundCompleted},
		{"transfer_completed", t.TransferCompleted},
		{"pallet_check_completed", t.PalletCheckCompleted},
		{"barcode_valid", t.BarcodeValid},
		{"barcode_invalid", t.BarcodeInvalid},
		{"available_pallet", t.AvailablePallet},
		{"unavailable_pallet", t.UnavailablePallet},
		{"source_floor", t.SourceFloor},
		{"source_rail", t.SourceRail},
		{"source_block", t.SourceBlock},
		{"source_depth", t.SourceDepth},
		{"dest_floor", t.DestFloor},
		{"dest_rail", t.DestRail},
		{"dest_block", t.DestBlock},
		{"gate", t.Gate},
		{"enter_dir", t.EnterDir},
		{"exit_dir", t.ExitDir},
		{"current_floor", t.CurrentFloor},
		{"current_rail", t.CurrentRail},
		{"current_block", t.CurrentBlock},
		{"current_depth", t.CurrentDepth},
	}
	for i, addr := range t.Barcode {
		out = append(out, struct{ name, addr string }{fmt.Sprintf("barcode_%d", i), addr})
	}
	return out
}

// Validate checks that every signal has an offset-only address
// beginning with "DB".
func (t *Template) Validate() error {
	for _, s := range t.signals() {
		if s.addr == "" {
			return fmt.Errorf("signal %s: empty address", s.name)
		}
		if !strings.HasPrefix(strings.ToUpper(s.addr), "DB") {
			return fmt.Errorf("signal %s: address %q must begin with DB", s.name, s.addr)
		}
	}
	return nil
}
