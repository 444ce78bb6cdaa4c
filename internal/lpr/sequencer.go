// Package lpr sequences a plate capture on one camera: trigger, poll the
// status until a terminal value or the deadline, read the block, and always
// clear the trigger on the way out.
package lpr

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/parkctl/internal/devices"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

// Phase is a sequencer state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTriggerSent
	PhasePolling
	PhaseDone
	PhaseTimedOut
	PhaseErrored
	PhaseTriggerCleared
)

func (p Phase) String() string {
	return [...]string{"idle", "trigger-sent", "polling", "done", "timed-out", "errored", "trigger-cleared"}[p]
}

// Outcome classifies a finished capture.
type Outcome string

const (
	OutcomeOk       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeBusError Outcome = "bus-error"
	OutcomeDegraded Outcome = "degraded"
)

// Result is what callers get back. An empty plate with zero confidence is a
// valid "no usable read".
type Result struct {
	Plate      string
	Confidence int
	Outcome    Outcome
	ErrorCode  int
	Elapsed    time.Duration
}

// Usable reports whether the camera produced a plate.
func (r Result) Usable() bool { return r.Plate != "" }

// Capturer yields one plate reading per call and never fails fatally.
type Capturer interface {
	Capture(ctx context.Context) Result
}

// Camera is the device surface the sequencer drives.
type Camera interface {
	Address() byte
	Trigger(ctx context.Context) error
	ClearTrigger(ctx context.Context) error
	Status(ctx context.Context) (devices.CaptureStatus, error)
	Read(ctx context.Context) (devices.CaptureResult, error)
}

// Recorder receives capture outcomes for metrics.
type Recorder interface {
	RecordCapture(address byte, outcome string, elapsed time.Duration)
}

// Config holds capture timing.
type Config struct {
	PollInterval time.Duration
	Deadline     time.Duration
}

// DefaultConfig polls every 100 ms for up to 2 s.
func DefaultConfig() Config {
	return Config{PollInterval: 100 * time.Millisecond, Deadline: 2 * time.Second}
}

// Sequencer runs captures on one camera, one at a time.
type Sequencer struct {
	mu       sync.Mutex
	cam      Camera
	cfg      Config
	log      logger.Logger
	recorder Recorder
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	onPhase  func(Phase)
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option { return func(s *Sequencer) { s.recorder = r } }

// WithLogger sets the module logger.
func WithLogger(l logger.Logger) Option { return func(s *Sequencer) { s.log = l } }

// WithClock replaces time.Now and the poll sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(s *Sequencer) {
		s.now = now
		s.sleep = sleep
	}
}

// WithPhaseHook observes every phase transition.
func WithPhaseHook(fn func(Phase)) Option { return func(s *Sequencer) { s.onPhase = fn } }

// NewSequencer creates a sequencer for cam.
func NewSequencer(cam Camera, cfg Config, opts ...Option) *Sequencer {
	s := &Sequencer{
		cam:   cam,
		cfg:   cfg,
		log:   logger.Global().Module("lpr"),
		now:   time.Now,
		sleep: sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture performs one full capture cycle.
func (s *Sequencer) Capture(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	res := s.run(ctx, start)
	res.Elapsed = s.now().Sub(start)

	// Cancellation must not leave the camera armed.
	clearCtx := context.WithoutCancel(ctx)
	if err := s.cam.ClearTrigger(clearCtx); err != nil {
		s.log.Warn("failed to clear trigger",
			logger.Hex("camera", s.cam.Address()),
			logger.Error(err))
	}
	s.phase(PhaseTriggerCleared)

	if s.recorder != nil {
		s.recorder.RecordCapture(s.cam.Address(), string(res.Outcome), res.Elapsed)
	}
	s.log.Debug("capture finished",
		logger.Hex("camera", s.cam.Address()),
		logger.String("outcome", string(res.Outcome)),
		logger.String("plate", res.Plate),
		logger.Int("confidence", res.Confidence),
		logger.Duration("elapsed", res.Elapsed))
	return res
}

func (s *Sequencer) run(ctx context.Context, start time.Time) Result {
	s.phase(PhaseIdle)
	if err := s.cam.Trigger(ctx); err != nil {
		s.phase(PhaseErrored)
		s.logBusError("trigger", err)
		return Result{Outcome: OutcomeBusError}
	}
	s.phase(PhaseTriggerSent)

	deadline := start.Add(s.cfg.Deadline)
	s.phase(PhasePolling)
	for {
		st, err := s.cam.Status(ctx)
		if err != nil && ctx.Err() != nil {
			s.phase(PhaseErrored)
			return Result{Outcome: OutcomeBusError}
		}
		if err == nil && st.Terminal() {
			if st == devices.StatusError {
				s.phase(PhaseErrored)
				return s.readError(ctx)
			}
			return s.readPlate(ctx)
		}

		if !s.now().Before(deadline) {
			s.phase(PhaseTimedOut)
			s.log.Info("capture timed out",
				logger.Hex("camera", s.cam.Address()),
				logger.Duration("deadline", s.cfg.Deadline))
			return Result{Outcome: OutcomeTimeout}
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			s.phase(PhaseErrored)
			return Result{Outcome: OutcomeBusError}
		}
	}
}

func (s *Sequencer) readPlate(ctx context.Context) Result {
	block, err := s.cam.Read(ctx)
	if err != nil {
		s.phase(PhaseErrored)
		s.logBusError("read", err)
		return Result{Outcome: OutcomeBusError}
	}
	s.phase(PhaseDone)
	return Result{Plate: block.Plate, Confidence: block.Confidence, Outcome: OutcomeOk}
}

func (s *Sequencer) readError(ctx context.Context) Result {
	res := Result{Outcome: OutcomeError}
	if block, err := s.cam.Read(ctx); err == nil {
		res.ErrorCode = block.ErrorCode
	}
	s.log.Info("camera reported capture error",
		logger.Hex("camera", s.cam.Address()),
		logger.Int("code", res.ErrorCode))
	return res
}

func (s *Sequencer) logBusError(step string, err error) {
	s.log.Warn("capture step failed",
		logger.Hex("camera", s.cam.Address()),
		logger.String("step", step),
		logger.Error(errors.New(err).
			Component("lpr").
			Category(errors.CategoryCapture).
			Context("step", step).
			Build()))
}

func (s *Sequencer) phase(p Phase) {
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Degraded is used when the serial line could not be opened. Every capture
// is "no usable read".
type Degraded struct{}

// Capture implements Capturer.
func (Degraded) Capture(context.Context) Result {
	return Result{Outcome: OutcomeDegraded}
}
