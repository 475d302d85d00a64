// Package plc provides the transport-level interface to one PLC
// connection: a real Siemens S7 client and an emulated line-protocol
// client, plus the data-block address syntax both share.
package plc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the register data type encoded in an address.
type Kind int

const (
	KindBool  Kind = iota // DBX - single bit
	KindByte              // DBB - 8-bit
	KindWord              // DBW - 16-bit big-endian
	KindDWord             // DBD - 32-bit big-endian
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "BOOL"
	case KindByte:
		return "BYTE"
	case KindWord:
		return "WORD"
	case KindDWord:
		return "DWORD"
	default:
		return "?"
	}
}

// Size returns the register width in bytes.
func (k Kind) Size() int {
	switch k {
	case KindDWord:
		return 4
	case KindWord:
		return 2
	default:
		return 1
	}
}

// Address is a parsed data-block register address.
type Address struct {
	DBNumber int  // data block number
	Offset   int  // byte offset inside the block
	Bit      int  // bit number 0-7 for KindBool, -1 otherwise
	Kind     Kind // register data type
}

// DB addresses: DB5.DBX52.0 (bit), DB5.DBB10 (byte), DB5.DBW50 (word), DB5.DBD20 (dword)
var reDB = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.(\d))?$`)

// ParseAddress parses a fully qualified data-block address.
// Supported forms:
//   - DB5.DBX52.0 - bit
//   - DB5.DBB10   - byte
//   - DB5.DBW50   - word
//   - DB5.DBD20   - dword
func ParseAddress(addr string) (*Address, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return nil, fmt.Errorf("empty address")
	}

	m := reDB.FindStringSubmatch(addr)
	if m == nil {
		return nil, fmt.Errorf("invalid address format: %s", addr)
	}

	dbNum, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[3])

	a := &Address{
		DBNumber: dbNum,
		Offset:   offset,
		Bit:      -1,
	}

	switch m[2] {
	case "X":
		if m[4] == "" {
			return nil, fmt.Errorf("DBX requires a bit number (e.g. DB5.DBX52.0): %s", addr)
		}
		bit, _ := strconv.Atoi(m[4])
		if bit < 0 || bit > 7 {
			return nil, fmt.Errorf("bit number must be 0-7, got %d", bit)
		}
		a.Bit = bit
		a.Kind = KindBool
	case "B":
		a.Kind = KindByte
	case "W":
		a.Kind = KindWord
	case "D":
		a.Kind = KindDWord
	}

	if m[2] != "X" && m[4] != "" {
		return nil, fmt.Errorf("bit number only valid on DBX addresses: %s", addr)
	}

	return a, nil
}

// String renders the canonical address form, the inverse of
// ParseAddress.
func (a *Address) String() string {
	switch a.Kind {
	case KindBool:
		return fmt.Sprintf("DB%d.DBX%d.%d", a.DBNumber, a.Offset, a.Bit)
	case KindByte:
		return fmt.Sprintf("DB%d.DBB%d", a.DBNumber, a.Offset)
	case KindWord:
		return fmt.Sprintf("DB%d.DBW%d", a.DBNumber, a.Offset)
	default:
		return fmt.Sprintf("DB%d.DBD%d", a.DBNumber, a.Offset)
	}
}

// ValidateAddress checks whether an address string parses.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}
