package gpio

import (
	"fmt"
	"sync"
)

// SimChip is an in-memory chip. Inputs are driven with Set; outputs are
// observed with Level. Watch registers a callback for output changes, which
// lets a simulated multiplexer route the selected slot onto the sense line.
type SimChip struct {
	mu       sync.Mutex
	levels   map[int]bool
	watchers map[int][]func(bool)
}

// NewSimChip returns a chip with every line low.
func NewSimChip() *SimChip {
	return &SimChip{levels: make(map[int]bool), watchers: make(map[int][]func(bool))}
}

// Input implements Chip.
func (c *SimChip) Input(bcm int) (Input, error) {
	if bcm < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLine, bcm)
	}
	return simLine{chip: c, bcm: bcm}, nil
}

// Output implements Chip.
func (c *SimChip) Output(bcm int) (Output, error) {
	if bcm < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLine, bcm)
	}
	return simLine{chip: c, bcm: bcm}, nil
}

// Close implements Chip.
func (c *SimChip) Close() error { return nil }

// Set drives a line from outside, as a sensor would.
func (c *SimChip) Set(bcm int, high bool) {
	c.set(bcm, high)
}

// Level reads any line.
func (c *SimChip) Level(bcm int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels[bcm]
}

// Watch calls fn whenever bcm is written.
func (c *SimChip) Watch(bcm int, fn func(high bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers[bcm] = append(c.watchers[bcm], fn)
}

func (c *SimChip) set(bcm int, high bool) {
	c.mu.Lock()
	c.levels[bcm] = high
	fns := append([]func(bool){}, c.watchers[bcm]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(high)
	}
}

type simLine struct {
	chip *SimChip
	bcm  int
}

func (l simLine) Read() (bool, error) { return l.chip.Level(l.bcm), nil }

func (l simLine) Write(high bool) error {
	l.chip.set(l.bcm, high)
	return nil
}

// SimMux emulates the slot multiplexer: the sense line follows the occupancy
// of whichever slot the address lines select.
type SimMux struct {
	mu       sync.Mutex
	chip     *SimChip
	address  []int
	sense    int
	occupied []bool
}

// NewSimMux wires a multiplexer of slots onto chip.
func NewSimMux(chip *SimChip, address []int, sense, slots int) *SimMux {
	m := &SimMux{chip: chip, address: address, sense: sense, occupied: make([]bool, slots)}
	for _, a := range address {
		chip.Watch(a, func(bool) { m.route() })
	}
	return m
}

// Park sets slot (0-based) occupied or vacant.
func (m *SimMux) Park(slot int, occupied bool) {
	m.mu.Lock()
	m.occupied[slot] = occupied
	m.mu.Unlock()
	m.route()
}

func (m *SimMux) route() {
	sel := 0
	for i, a := range m.address {
		if m.chip.Level(a) {
			sel |= 1 << i
		}
	}
	m.mu.Lock()
	high := sel < len(m.occupied) && m.occupied[sel]
	m.mu.Unlock()
	m.chip.Set(m.sense, high)
}
