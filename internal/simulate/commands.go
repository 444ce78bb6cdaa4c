package simulate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tphakala/parkctl/internal/console"
)

const defaultConfidence = 90

// register adds the vehicle verbs to the central console.
func (f *Facility) register() {
	c := f.Central.Console
	c.Register("arrive", "arrive <plate>|- [confidence] drive a vehicle through the entrance", f.cmdArrive)
	c.Register("depart", "depart <plate> [confidence]   drive a vehicle out through the exit", f.cmdDepart)
	c.Register("park", "park <floor> <slot>           occupy a slot", f.cmdSlot(true))
	c.Register("leave", "leave <floor> <slot>          vacate a slot", f.cmdSlot(false))
	c.Register("ramp", "ramp <floor> up|down          pass the beams of an upper floor", f.cmdRamp)
	c.Register("board", "board                         show the simulated sign board", f.cmdBoard)
}

func plateArgs(args []string, form string) (string, int, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", 0, usage(form)
	}
	confidence := defaultConfidence
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > 100 {
			return "", 0, usage(form)
		}
		confidence = n
	}
	plate := args[0]
	if plate == "-" {
		// no usable read
		plate, confidence = "", 0
	}
	return plate, confidence, nil
}

func (f *Facility) cmdArrive(ctx context.Context, args []string) (string, error) {
	plate, confidence, err := plateArgs(args, "arrive <plate> [confidence]")
	if err != nil {
		return "", err
	}
	if err := f.Arrive(ctx, plate, confidence); err != nil {
		return "", err
	}
	return "vehicle entered", nil
}

func (f *Facility) cmdDepart(ctx context.Context, args []string) (string, error) {
	plate, confidence, err := plateArgs(args, "depart <plate> [confidence]")
	if err != nil {
		return "", err
	}
	if err := f.Depart(ctx, plate, confidence); err != nil {
		return "", err
	}
	return "vehicle left", nil
}

func (f *Facility) cmdSlot(occupied bool) console.Command {
	verb, state := "leave", "vacated"
	if occupied {
		verb, state = "park", "occupied"
	}
	return func(_ context.Context, args []string) (string, error) {
		if len(args) != 2 {
			return "", usage(verb + " <floor> <slot>")
		}
		floor, err1 := strconv.Atoi(args[0])
		slot, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return "", usage(verb + " <floor> <slot>")
		}
		var err error
		if occupied {
			err = f.Park(floor, slot)
		} else {
			err = f.Leave(floor, slot)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("floor %d slot %d %s", floor, slot, state), nil
	}
}

func (f *Facility) cmdRamp(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 || (args[1] != "up" && args[1] != "down") {
		return "", usage("ramp <floor> up|down")
	}
	floor, err := strconv.Atoi(args[0])
	if err != nil {
		return "", usage("ramp <floor> up|down")
	}
	if err := f.Ramp(ctx, floor, args[1] == "up"); err != nil {
		return "", err
	}
	return fmt.Sprintf("passed floor %d ramp %s", floor, args[1]), nil
}

func (f *Facility) cmdBoard(context.Context, []string) (string, error) {
	b, err := f.Board()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, fr := range b.Free {
		fmt.Fprintf(&sb, "floor %d: free pcd %d elderly %d regular %d, cars %d\n",
			i, fr.PCD, fr.Elderly, fr.Regular, b.Cars[i])
	}
	fmt.Fprintf(&sb, "flags %03b, full lamp %t", b.Flags, f.FullLamp())
	return sb.String(), nil
}

func usage(form string) error { return fmt.Errorf("%w: %s", console.ErrUsage, form) }
