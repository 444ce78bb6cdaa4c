package devices

import (
	"sync"

	"github.com/tphakala/parkctl/internal/fieldbus"
)

// Reading is what a simulated camera recognises on its next capture.
type Reading struct {
	Plate      string
	Confidence int
	ErrorCode  int // non-zero ends the capture in StatusError
}

// SimCamera emulates an LPR camera. A trigger moves it to Processing; the
// result appears after Polls status reads. Readings are consumed in order,
// and an empty queue yields Fallback.
type SimCamera struct {
	mu       sync.Mutex
	block    *fieldbus.RegisterBlock
	queue    []Reading
	Fallback Reading
	Polls    int
	pending  int
	captures int
}

// NewSimCamera returns a ready camera that answers after polls reads.
func NewSimCamera(polls int) *SimCamera {
	return &SimCamera{block: fieldbus.NewRegisterBlock(CameraBlockLen), Polls: polls}
}

// Enqueue schedules readings for the next captures.
func (c *SimCamera) Enqueue(r ...Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, r...)
}

// Captures counts triggers received.
func (c *SimCamera) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// Registers returns the current register block.
func (c *SimCamera) Registers() []uint16 {
	return c.block.Snapshot()
}

// HandleRead implements fieldbus.Handler.
func (c *SimCamera) HandleRead(start, count uint16) ([]uint16, byte) {
	c.mu.Lock()
	if c.pending > 0 {
		c.pending--
		if c.pending == 0 {
			c.completeLocked()
		}
	}
	c.mu.Unlock()
	return c.block.HandleRead(start, count)
}

// HandleWrite implements fieldbus.Handler.
func (c *SimCamera) HandleWrite(start uint16, values []uint16) byte {
	if exc := c.block.HandleWrite(start, values); exc != 0 {
		return exc
	}
	if start > RegTrigger || int(start)+len(values) <= int(RegTrigger) {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if values[RegTrigger-start] != 0 {
		c.captures++
		c.block.Set(int(RegStatus), uint16(StatusProcessing))
		c.pending = max(c.Polls, 1)
	} else {
		c.pending = 0
		c.block.Set(int(RegStatus), uint16(StatusReady))
	}
	return 0
}

func (c *SimCamera) completeLocked() {
	r := c.Fallback
	if len(c.queue) > 0 {
		r = c.queue[0]
		c.queue = c.queue[1:]
	}
	status := StatusOk
	if r.ErrorCode != 0 {
		status = StatusError
	}
	c.block.Set(int(RegStatus), uint16(status))
	c.block.Set(int(RegPlate), PlateToWords(r.Plate)...)
	c.block.Set(int(RegConfidence), uint16(r.Confidence), uint16(r.ErrorCode))
}
