package signal

import "fmt"

// Map is a template bound to one slot's data-block number. Every
// address is fully qualified. The map is immutable once built.
type Map struct {
	DBNumber int

	SoftwareConnected string
	DeviceReady       string
	StartProcess      string
	CommandFailed     string
	ErrorAlarm        string
	ErrorCode         string

	InboundTrigger     string
	OutboundTrigger    string
	TransferTrigger    string
	PalletCheckTrigger string

	InboundCompleted     string
	OutboundCompleted    string
	TransferCompleted    string
	PalletCheckCompleted string

	BarcodeValid      string
	BarcodeInvalid    string
	AvailablePallet   string
	UnavailablePallet string

	SourceFloor string
	SourceRail  string
	SourceBlock string
	SourceDepth string
	DestFloor   string
	DestRail    string
	DestBlock   string
	Gate        string
	EnterDir    string
	ExitDir     string

	CurrentFloor string
	CurrentRail  string
	CurrentBlock string
	CurrentDepth string

	Barcode [BarcodeLength]string
}

// Bind resolves the template against a data-block number, prepending
// "DB{n}." to every signal address.
func (t *Template) Bind(dbNumber int) (*Map, error) {
	if dbNumber <= 0 {
		return nil, fmt.Errorf("data block number must be positive, got %d", dbNumber)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	qualify := func(addr string) string {
		return fmt.Sprintf("DB%d.%s", dbNumber, addr)
	}

	m := &Map{
		DBNumber: dbNumber,

		SoftwareConnected: qualify(t.SoftwareConnected),
		DeviceReady:       qualify(t.DeviceReady),
		StartProcess:      qualify(t.StartProcess),
		CommandFailed:     qualify(t.CommandFailed),
		ErrorAlarm:        qualify(t.ErrorAlarm),
		ErrorCode:         qualify(t.ErrorCode),

		InboundTrigger:     qualify(t.InboundTrigger),
		OutboundTrigger:    qualify(t.OutboundTrigger),
		TransferTrigger:    qualify(t.TransferTrigger),
		PalletCheckTrigger: qualify(t.PalletCheckTrigger),

		InboundCompleted:     qualify(t.InboundCompleted),
		OutboundCompleted:    qualify(t.OutboundCompleted),
		TransferCompleted:    qualify(t.TransferCompleted),
		PalletCheckCompleted: qualify(t.PalletCheckCompleted),

		BarcodeValid:      qualify(t.BarcodeValid),
		BarcodeInvalid:    qualify(t.BarcodeInvalid),
		AvailablePallet:   qualify(t.AvailablePallet),
		UnavailablePallet: qualify(t.UnavailablePallet),

		SourceFloor: qualify(t.SourceFloor),
		SourceRail:  qualify(t.SourceRail),
		SourceBlock: qualify(t.SourceBlock),
		SourceDepth: qualify(t.SourceDepth),
		DestFloor:   qualify(t.DestFloor),
		DestRail:    qualify(t.DestRail),
		DestBlock:   qualify(t.DestBlock),
		Gate:        qualify(t.Gate),
		EnterDir:    qualify(t.EnterDir),
		ExitDir:     qualify(t.ExitDir),

		CurrentFloor: qualify(t.CurrentFloor),
		CurrentRail:  qualify(t.CurrentRail),
		CurrentBlock: qualify(t.CurrentBlock),
		CurrentDepth: qualify(t.CurrentDepth),
	}
	for i, addr := range t.Barcode {
		m.Barcode[i] = qualify(addr)
	}
	return m, nil
}
