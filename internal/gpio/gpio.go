// Package gpio abstracts the digital lines of a controller node. Production
// nodes use the sysfs interface; simulation and tests use SimChip.
package gpio

import (
	"github.com/tphakala/parkctl/internal/errors"
)

// Input is a digital input line.
type Input interface {
	Read() (bool, error)
}

// Output is a digital output line.
type Output interface {
	Write(high bool) error
}

// Chip hands out lines by BCM number.
type Chip interface {
	Input(bcm int) (Input, error)
	Output(bcm int) (Output, error)
	Close() error
}

// ErrInvalidLine is returned for negative line numbers.
var ErrInvalidLine = errors.NewStd("gpio: invalid line")

// Bus drives a set of output lines as a binary number, least significant
// line first. It selects a slot on the sensor multiplexer.
type Bus struct {
	lines []Output
}

// NewBus requests every line in bcms as an output.
func NewBus(chip Chip, bcms []int) (*Bus, error) {
	b := &Bus{lines: make([]Output, 0, len(bcms))}
	for _, n := range bcms {
		out, err := chip.Output(n)
		if err != nil {
			return nil, err
		}
		b.lines = append(b.lines, out)
	}
	return b, nil
}

// Width is the number of address lines.
func (b *Bus) Width() int { return len(b.lines) }

// Select drives v onto the lines.
func (b *Bus) Select(v int) error {
	if v < 0 || v >= 1<<len(b.lines) {
		return errors.Newf("mux address %d out of range for %d lines", v, len(b.lines)).
			Component("gpio").
			Category(errors.CategoryGPIO).
			Build()
	}
	for i, l := range b.lines {
		if err := l.Write(v&(1<<i) != 0); err != nil {
			return err
		}
	}
	return nil
}
