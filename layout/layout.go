// Package layout bounds warehouse coordinates: every floor, rail,
// block, depth and gate number a command names must fall inside the
// configured ranges before it reaches a PLC.
package layout

import (
	"fmt"

	"shuttlelink/task"
)

// Range is an inclusive integer interval.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Contains reports whether v falls inside the range.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) validate(name string) error {
	if r.Min < 1 {
		return fmt.Errorf("layout: %s minimum must be at least 1, got %d", name, r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("layout: %s maximum %d below minimum %d", name, r.Max, r.Min)
	}
	return nil
}

// Layout is the warehouse geometry.
type Layout struct {
	Floors Range `yaml:"floors" json:"floors"`
	Rails  Range `yaml:"rails" json:"rails"`
	Blocks Range `yaml:"blocks" json:"blocks"`
	Depths Range `yaml:"depths" json:"depths"`
	Gates  Range `yaml:"gates" json:"gates"`
}

// Default returns a single-floor layout sized for a small installation.
func Default() *Layout {
	return &Layout{
		Floors: Range{1, 4},
		Rails:  Range{1, 12},
		Blocks: Range{1, 60},
		Depths: Range{1, 2},
		Gates:  Range{1, 8},
	}
}

// Validate checks the ranges themselves.
func (l *Layout) Validate() error {
	for _, rv := range []struct {
		name string
		r    Range
	}{
		{"floors", l.Floors},
		{"rails", l.Rails},
		{"blocks", l.Blocks},
		{"depths", l.Depths},
		{"gates", l.Gates},
	} {
		if err := rv.r.validate(rv.name); err != nil {
			return err
		}
	}
	return nil
}

// CheckLocation verifies a location sits inside the geometry.
func (l *Layout) CheckLocation(loc *task.Location) error {
	if loc == nil {
		return nil
	}
	if !l.Floors.Contains(loc.Floor) {
		return fmt.Errorf("location %s: floor %d outside %d..%d", loc, loc.Floor, l.Floors.Min, l.Floors.Max)
	}
	if !l.Rails.Contains(loc.Rail) {
		return fmt.Errorf("location %s: rail %d outside %d..%d", loc, loc.Rail, l.Rails.Min, l.Rails.Max)
	}
	if !l.Blocks.Contains(loc.Block) {
		return fmt.Errorf("location %s: block %d outside %d..%d", loc, loc.Block, l.Blocks.Min, l.Blocks.Max)
	}
	if !l.Depths.Contains(loc.Depth) {
		return fmt.Errorf("location %s: depth %d outside %d..%d", loc, loc.Depth, l.Depths.Min, l.Depths.Max)
	}
	return nil
}

// CheckGate verifies a gate number. Zero means "no gate named".
func (l *Layout) CheckGate(gate int) error {
	if gate == 0 {
		return nil
	}
	if !l.Gates.Contains(gate) {
		return fmt.Errorf("gate %d outside %d..%d", gate, l.Gates.Min, l.Gates.Max)
	}
	return nil
}

// CheckEnvelope verifies every coordinate the envelope names.
func (l *Layout) CheckEnvelope(env *task.CommandEnvelope) error {
	if err := l.CheckLocation(env.Source); err != nil {
		return fmt.Errorf("command %s: source %w", env.ID, err)
	}
	if err := l.CheckLocation(env.Destination); err != nil {
		return fmt.Errorf("command %s: destination %w", env.ID, err)
	}
	if err := l.CheckGate(env.Gate); err != nil {
		return fmt.Errorf("command %s: %w", env.ID, err)
	}
	return nil
}
