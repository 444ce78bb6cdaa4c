// Package gate runs one barrier: open on demand, watch the vehicle through
// the closing beam, lower the arm, and report the pass with the plate the
// camera captured while the arm was rising.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/lpr"
)

// State of the barrier cycle.
type State int

const (
	Closed State = iota
	Opening
	PassDetected
	Closing
)

func (s State) String() string {
	return [...]string{"closed", "opening", "pass-detected", "closing"}[s]
}

// Kind names the barrier.
type Kind string

const (
	Entrance Kind = "entry"
	Exit     Kind = "exit"
)

// Manual command errors.
var (
	ErrCycleInFlight  = errors.NewStd("gate: cycle already in flight")
	ErrFacilityClosed = errors.NewStd("gate: facility closed")
)

// Pass is one completed barrier cycle.
type Pass struct {
	Gate      Kind
	VehicleID int
	Manual    bool
	Capture   lpr.Result
	Opened    time.Time
	Completed time.Time
}

// Pins are the barrier's lines.
type Pins struct {
	OpenSensor  gpio.Input
	CloseSensor gpio.Input
	Motor       gpio.Output
}

// Recorder receives gate metrics.
type Recorder interface {
	RecordPass(gate string, manual bool, elapsed time.Duration)
}

// Controller is the barrier state machine. Step is driven by Run in
// production and directly in tests.
type Controller struct {
	mu            sync.Mutex
	kind          Kind
	motor         gpio.Output
	capturer      lpr.Capturer
	nextID        func() int
	closedFn      func() bool
	state         State
	manualPending bool
	current       Pass
	captureCh     chan lpr.Result
	captured      bool
	prevOpen      bool
	prevClose     bool
	log           logger.Logger
	recorder      Recorder
	captureCtx    context.Context
	wg            sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithVehicleIDs numbers each pass, used on the entrance.
func WithVehicleIDs(next func() int) Option { return func(c *Controller) { c.nextID = next } }

// WithFacilityClosed makes the barrier refuse to open while fn reports true.
func WithFacilityClosed(fn func() bool) Option { return func(c *Controller) { c.closedFn = fn } }

// WithLogger sets the module logger.
func WithLogger(l logger.Logger) Option { return func(c *Controller) { c.log = l } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

// New creates a controller driving motor. capturer may be lpr.Degraded.
func New(kind Kind, motor gpio.Output, capturer lpr.Capturer, opts ...Option) *Controller {
	c := &Controller{
		kind:       kind,
		motor:      motor,
		capturer:   capturer,
		closedFn:   func() bool { return false },
		log:        logger.Global().Module("gate"),
		captureCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kind returns which barrier this is.
func (c *Controller) Kind() Kind { return c.kind }

// State returns the current cycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the arm is up or going up.
func (c *Controller) IsOpen() bool {
	s := c.State()
	return s == Opening || s == PassDetected
}

// RequestManual lets exactly one vehicle through.
func (c *Controller) RequestManual() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedFn() {
		return ErrFacilityClosed
	}
	if c.state != Closed || c.manualPending {
		return ErrCycleInFlight
	}
	c.manualPending = true
	c.log.Info("manual open requested", logger.String("gate", string(c.kind)))
	return nil
}

// Step feeds one sample of the open and close sensors.
func (c *Controller) Step(openSensor, closeSensor bool, now time.Time) (Pass, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.prevOpen, c.prevClose = openSensor, closeSensor }()

	openRise := openSensor && !c.prevOpen
	closeRise := closeSensor && !c.prevClose
	closeFall := !closeSensor && c.prevClose

	switch c.state {
	case Closed:
		if c.closedFn() {
			if c.manualPending {
				c.log.Info("manual open dropped, facility closed", logger.String("gate", string(c.kind)))
			}
			c.manualPending = false
			return Pass{}, false, c.motor.Write(false)
		}
		switch {
		case c.manualPending:
			c.manualPending = false
			return Pass{}, false, c.open(now, true)
		case openRise:
			return Pass{}, false, c.open(now, false)
		}

	case Opening:
		if closeRise {
			c.state = PassDetected
		}

	case PassDetected:
		if closeFall {
			if err := c.motor.Write(false); err != nil {
				return Pass{}, false, err
			}
			c.state = Closing
			return c.finish(now)
		}

	case Closing:
		return c.finish(now)
	}
	return Pass{}, false, nil
}

// open raises the arm and starts the capture without waiting for it.
func (c *Controller) open(now time.Time, manual bool) error {
	if err := c.motor.Write(true); err != nil {
		return errors.New(err).
			Component("gate").
			Category(errors.CategoryGate).
			Context("gate", string(c.kind)).
			Build()
	}
	c.state = Opening
	c.current = Pass{Gate: c.kind, Manual: manual, Opened: now}
	if c.nextID != nil {
		c.current.VehicleID = c.nextID()
	}

	ch := make(chan lpr.Result, 1)
	c.captureCh = ch
	c.captured = false
	ctx := c.captureCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch <- c.capturer.Capture(ctx)
	}()

	c.log.Info("barrier opening",
		logger.String("gate", string(c.kind)),
		logger.Bool("manual", manual),
		logger.Int("vehicle_id", c.current.VehicleID))
	return nil
}

// finish completes the cycle once the capture has reported.
func (c *Controller) finish(now time.Time) (Pass, bool, error) {
	if !c.captured {
		select {
		case res := <-c.captureCh:
			c.current.Capture = res
			c.captured = true
		default:
			return Pass{}, false, nil
		}
	}
	p := c.current
	p.Completed = now
	c.state = Closed
	c.current = Pass{}
	if c.recorder != nil {
		c.recorder.RecordPass(string(c.kind), p.Manual, p.Completed.Sub(p.Opened))
	}
	c.log.Info("barrier pass complete",
		logger.String("gate", string(c.kind)),
		logger.Int("vehicle_id", p.VehicleID),
		logger.String("plate", p.Capture.Plate),
		logger.Int("confidence", p.Capture.Confidence))
	return p, true, nil
}

// Run polls the sensors until ctx is done and waits for any capture in flight.
func (c *Controller) Run(ctx context.Context, pins Pins, poll time.Duration, sink func(Pass)) error {
	c.mu.Lock()
	c.captureCtx = ctx
	c.mu.Unlock()
	defer c.wg.Wait()
	defer func() { _ = c.motor.Write(false) }()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		open, errO := pins.OpenSensor.Read()
		cls, errC := pins.CloseSensor.Read()
		if err := errors.Join(errO, errC); err != nil {
			c.log.Warn("gate sensor read failed", logger.String("gate", string(c.kind)), logger.Error(err))
		} else {
			p, done, err := c.Step(open, cls, time.Now())
			if err != nil {
				c.log.Error("gate step failed", logger.String("gate", string(c.kind)), logger.Error(err))
			}
			if done {
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

// Wait blocks until captures started by Step have returned.
func (c *Controller) Wait() { c.wg.Wait() }
