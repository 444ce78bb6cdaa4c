// Package simulate runs a whole facility in one process: the central and a
// node per floor, each on simulated pins, with simulated cameras and sign
// board on the ground floor field bus. Vehicles are driven from the operator
// console.
package simulate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/parkctl/internal/central"
	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/devices"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/fieldbus"
	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/node"
)

// simAddress holds enough mux address lines for eight slots.
var simAddress = []int{17, 18, 4}

// cameraPolls is how many status reads a simulated camera takes to finish.
const cameraPolls = 2

// ErrRefused is returned when a barrier does not open for a vehicle.
var ErrRefused = errors.NewStd("simulate: barrier did not open")

// Site is one simulated floor controller.
type Site struct {
	Floor    int
	Node     *node.Node
	Chip     *gpio.SimChip
	Mux      *gpio.SimMux
	Slots    int
	settings *conf.Settings

	// ground floor only
	Bus         *fieldbus.SimBus
	EntryCamera *devices.SimCamera
	ExitCamera  *devices.SimCamera
	Board       *fieldbus.RegisterBlock
}

// Facility is the central plus one site per configured floor.
type Facility struct {
	Central *central.Runtime
	Sites   map[int]*Site
	log     logger.Logger
	hold    time.Duration
}

// New starts the central listener on loopback and builds a node per floor
// of settings.Facility, all wired to simulated hardware.
func New(settings *conf.Settings) (f *Facility, err error) {
	cs := *settings
	cs.Node.Role = conf.RoleCentral
	cs.Sync.Listen = "127.0.0.1:0"

	rt, err := central.NewRuntime(&cs)
	if err != nil {
		return nil, err
	}
	f = &Facility{
		Central: rt,
		Sites:   make(map[int]*Site),
		log:     logger.Global().Module("simulate"),
		hold:    3 * max(settings.GPIO.Poll, settings.Scan.Passage),
	}
	defer func() {
		if err != nil {
			rt.Close()
			f = nil
		}
	}()

	for _, fc := range settings.Facility.Floors {
		site, err := f.buildSite(settings, fc, rt.Server.Addr().String())
		if err != nil {
			return f, err
		}
		f.Sites[fc.Floor] = site
	}
	f.register()
	return f, nil
}

func (f *Facility) buildSite(base *conf.Settings, fc conf.FloorCapacity, centralAddr string) (*Site, error) {
	s := *base
	s.Node = conf.NodeSettings{Name: fmt.Sprintf("sim-floor-%d", fc.Floor), Floor: fc.Floor, Role: conf.RoleFloor}
	s.GPIO.Simulate = true
	s.GPIO.Address = simAddress
	s.Sync.Central = centralAddr
	s.Telemetry.Enabled = false
	s.MQTT.Enabled = false
	s.Sentry.Enabled = false

	site := &Site{Floor: fc.Floor, Chip: gpio.NewSimChip(), Slots: fc.Slots(), settings: &s}
	site.Mux = gpio.NewSimMux(site.Chip, s.GPIO.Address[:fc.MuxLines], s.GPIO.Sense, fc.Slots())
	hw := node.Hardware{Chip: site.Chip}

	if fc.Floor == 0 {
		s.Node.Role = conf.RoleGround
		tag, err := fieldbus.ParseSiteTag(s.FieldBus.SiteTag)
		if err != nil {
			return nil, err
		}
		site.Bus = fieldbus.NewSimBus(tag)
		site.EntryCamera = devices.NewSimCamera(cameraPolls)
		site.ExitCamera = devices.NewSimCamera(cameraPolls)
		site.Board = fieldbus.NewRegisterBlock(devices.BoardWords)
		site.Bus.Attach(s.FieldBus.EntryCamera, site.EntryCamera)
		site.Bus.Attach(s.FieldBus.ExitCamera, site.ExitCamera)
		site.Bus.Attach(s.FieldBus.SignBoard, site.Board)
		hw.Bus = site.Bus
	}

	n, err := node.Build(&s, hw, node.BuildOptions{Logger: logger.Global().Module("node")})
	if err != nil {
		return nil, err
	}
	site.Node = n
	return site, nil
}

// Run drives every node and the central until ctx ends or the operator
// quits. in may be nil for a headless run.
func (f *Facility) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := f.Central.Run(gctx, in, out)
		cancel()
		return err
	})
	for _, site := range f.Sites {
		g.Go(func() error { return site.Node.Run(gctx) })
	}
	f.log.Info("simulated facility running", logger.Int("floors", len(f.Sites)))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the central's resources.
func (f *Facility) Close() { f.Central.Close() }

func (f *Facility) site(floor int) (*Site, error) {
	s, ok := f.Sites[floor]
	if !ok {
		return nil, errors.Newf("no floor %d in the facility", floor).
			Component("simulate").
			Category(errors.CategoryValidation).
			Build()
	}
	return s, nil
}

// Arrive brings a vehicle through the entrance. The camera reads plate with
// the given confidence; an empty plate is no usable read.
func (f *Facility) Arrive(ctx context.Context, plate string, confidence int) error {
	g, err := f.site(0)
	if err != nil {
		return err
	}
	g.EntryCamera.Enqueue(devices.Reading{Plate: strings.ToUpper(plate), Confidence: confidence})
	return f.cycleGate(ctx, g, g.settings.GPIO.EntryGate)
}

// Depart takes a vehicle out through the exit barrier.
func (f *Facility) Depart(ctx context.Context, plate string, confidence int) error {
	g, err := f.site(0)
	if err != nil {
		return err
	}
	g.ExitCamera.Enqueue(devices.Reading{Plate: strings.ToUpper(plate), Confidence: confidence})
	return f.cycleGate(ctx, g, g.settings.GPIO.ExitGate)
}

// cycleGate presents a vehicle at a barrier, waits for the arm, drives
// through and clears both sensors.
func (f *Facility) cycleGate(ctx context.Context, s *Site, pins conf.GatePins) error {
	s.Chip.Set(pins.OpenSensor, true)
	if err := f.waitFor(ctx, func() bool { return s.Chip.Level(pins.Motor) }); err != nil {
		s.Chip.Set(pins.OpenSensor, false)
		if ctx.Err() != nil {
			return err
		}
		return ErrRefused
	}
	steps := []func(){
		func() { s.Chip.Set(pins.CloseSensor, true) },
		func() { s.Chip.Set(pins.OpenSensor, false) },
		func() { s.Chip.Set(pins.CloseSensor, false) },
	}
	for _, step := range steps {
		step()
		if err := f.pause(ctx); err != nil {
			return err
		}
	}
	return f.waitFor(ctx, func() bool { return !s.Chip.Level(pins.Motor) })
}

// Park occupies slot (1-based) on floor.
func (f *Facility) Park(floor, slot int) error { return f.setSlot(floor, slot, true) }

// Leave vacates slot (1-based) on floor.
func (f *Facility) Leave(floor, slot int) error { return f.setSlot(floor, slot, false) }

func (f *Facility) setSlot(floor, slot int, occupied bool) error {
	s, err := f.site(floor)
	if err != nil {
		return err
	}
	if slot < 1 || slot > s.Slots {
		return errors.Newf("floor %d has slots 1..%d", floor, s.Slots).
			Component("simulate").
			Category(errors.CategoryValidation).
			Build()
	}
	s.Mux.Park(slot-1, occupied)
	return nil
}

// Ramp drives a vehicle past the beams of an upper floor.
func (f *Facility) Ramp(ctx context.Context, floor int, up bool) error {
	s, err := f.site(floor)
	if err != nil {
		return err
	}
	if floor == 0 {
		return errors.Newf("the ground floor has no ramp beams").
			Component("simulate").
			Category(errors.CategoryValidation).
			Build()
	}
	first, second := s.settings.GPIO.Passage.Sensor1, s.settings.GPIO.Passage.Sensor2
	if !up {
		first, second = second, first
	}
	for _, step := range []func(){
		func() { s.Chip.Set(first, true) },
		func() { s.Chip.Set(second, true) },
		func() { s.Chip.Set(first, false) },
		func() { s.Chip.Set(second, false) },
	} {
		step()
		if err := f.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Board returns what the simulated sign board currently shows.
func (f *Facility) Board() (devices.Board, error) {
	g, err := f.site(0)
	if err != nil {
		return devices.Board{}, err
	}
	return devices.BoardFromWords(g.Board.Snapshot()), nil
}

// FullLamp reports the ground floor "full" lamp.
func (f *Facility) FullLamp() bool {
	g, err := f.site(0)
	if err != nil || g.settings.GPIO.FullLamp < 0 {
		return false
	}
	return g.Chip.Level(g.settings.GPIO.FullLamp)
}

func (f *Facility) pause(ctx context.Context) error {
	t := time.NewTimer(f.hold)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// waitFor polls cond for up to twenty holds.
func (f *Facility) waitFor(ctx context.Context, cond func() bool) error {
	for range 20 {
		if cond() {
			return nil
		}
		if err := f.pause(ctx); err != nil {
			return err
		}
	}
	if cond() {
		return nil
	}
	return errors.Newf("simulated condition not reached within %s", 20*f.hold).
		Component("simulate").
		Category(errors.CategoryTimeout).
		Build()
}
