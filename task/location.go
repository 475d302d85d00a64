package task

import (
	"fmt"
	"regexp"
	"strconv"
)

// Location identifies a storage position in the warehouse.
// Depth defaults to 1 when not given.
type Location struct {
	Floor int `json:"floor"`
	Rail  int `json:"rail"`
	Block int `json:"block"`
	Depth int `json:"depth"`
}

// NewLocation creates a location with the default depth of 1.
func NewLocation(floor, rail, block int) *Location {
	return &Location{Floor: floor, Rail: rail, Block: block, Depth: 1}
}

// String renders the canonical form, e.g. "F1R2B3D1".
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	return fmt.Sprintf("F%dR%dB%dD%d", l.Floor, l.Rail, l.Block, l.depth())
}

func (l *Location) depth() int {
	if l.Depth < 1 {
		return 1
	}
	return l.Depth
}

var reLocation = regexp.MustCompile(`^F(\d+)R(\d+)B(\d+)(?:D(\d+))?$`)

// ParseLocation parses the canonical "F{f}R{r}B{b}D{d}" form.
// The depth component is optional and defaults to 1.
func ParseLocation(s string) (*Location, error) {
	m := reLocation.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("invalid location format: %q", s)
	}
	floor, _ := strconv.Atoi(m[1])
	rail, _ := strconv.Atoi(m[2])
	block, _ := strconv.Atoi(m[3])
	depth := 1
	if m[4] != "" {
		depth, _ = strconv.Atoi(m[4])
	}
	return &Location{Floor: floor, Rail: rail, Block: block, Depth: depth}, nil
}
