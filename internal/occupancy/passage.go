package occupancy

import (
	"context"
	"time"

	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
)

// PassageDirection is the travel direction between floors.
type PassageDirection int

const (
	PassageUp   PassageDirection = 1
	PassageDown PassageDirection = -1
)

func (d PassageDirection) String() string {
	if d == PassageUp {
		return "up"
	}
	return "down"
}

// Passage is a car crossing both beams.
type Passage struct {
	Floor     int
	Direction PassageDirection
	Blocked   bool // going up into a closed floor
	Time      time.Time
}

// PassageDetector watches two beams on the ramp. Beam 1 then beam 2 is a
// car going up; beam 2 then beam 1 is a car going down. The sequence resets
// once both beams are clear.
type PassageDetector struct {
	floor        int
	first        int
	prev1, prev2 bool
	armed        bool
}

// NewPassageDetector creates a detector for the ramp leading to floor.
func NewPassageDetector(floor int) *PassageDetector {
	return &PassageDetector{floor: floor, armed: true}
}

// Step feeds one sample of both beams. closed is the floor's closure flag.
func (d *PassageDetector) Step(s1, s2, closed bool, now time.Time) (Passage, bool) {
	defer func() { d.prev1, d.prev2 = s1, s2 }()

	if !s1 && !s2 {
		d.first = 0
		d.armed = true
		return Passage{}, false
	}
	if !d.armed {
		return Passage{}, false
	}

	if d.first == 0 {
		switch {
		case s1 && !d.prev1:
			d.first = 1
		case s2 && !d.prev2:
			d.first = 2
		}
	}

	switch {
	case d.first == 1 && s2:
		d.first = 0
		d.armed = false
		return Passage{Floor: d.floor, Direction: PassageUp, Blocked: closed, Time: now}, true
	case d.first == 2 && s1:
		d.first = 0
		d.armed = false
		return Passage{Floor: d.floor, Direction: PassageDown, Time: now}, true
	}
	return Passage{}, false
}

// RunPassage polls both beams until ctx is done.
func RunPassage(ctx context.Context, d *PassageDetector, s1, s2 gpio.Input, poll time.Duration, closed func() bool, sink func(Passage), log logger.Logger) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		a, errA := s1.Read()
		b, errB := s2.Read()
		if errA == nil && errB == nil {
			if p, ok := d.Step(a, b, closed(), time.Now()); ok {
				if p.Blocked {
					log.Warn("passage blocked, floor closed", logger.Int("floor", p.Floor))
				} else {
					log.Info("floor passage", logger.Int("floor", p.Floor), logger.String("direction", p.Direction.String()))
				}
				sink(p)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
