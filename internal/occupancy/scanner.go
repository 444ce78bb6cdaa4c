package occupancy

import (
	"context"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/gpio"
)

// MuxScanner reads slots through an address multiplexer and one sense line.
type MuxScanner struct {
	bus    *gpio.Bus
	sense  gpio.Input
	slots  int
	settle time.Duration
	sleep  func(context.Context, time.Duration) error
}

// NewMuxScanner checks that slots fit the address width.
func NewMuxScanner(bus *gpio.Bus, sense gpio.Input, slots int, settle time.Duration) (*MuxScanner, error) {
	if slots > 1<<bus.Width() {
		return nil, errors.Newf("%d slots need more than %d mux lines", slots, bus.Width()).
			Component("occupancy").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &MuxScanner{bus: bus, sense: sense, slots: slots, settle: settle, sleep: sleepCtx}, nil
}

// Scan implements Scanner.
func (m *MuxScanner) Scan(ctx context.Context) ([]bool, error) {
	vec := make([]bool, m.slots)
	for i := range vec {
		if err := m.bus.Select(i); err != nil {
			return nil, err
		}
		if err := m.sleep(ctx, m.settle); err != nil {
			return nil, err
		}
		high, err := m.sense.Read()
		if err != nil {
			return nil, errors.New(err).
				Component("occupancy").
				Category(errors.CategoryGPIO).
				Context("slot", i+1).
				Build()
		}
		vec[i] = high
	}
	return vec, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
