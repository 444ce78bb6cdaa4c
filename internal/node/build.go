package node

import (
	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/devices"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/fieldbus"
	"github.com/tphakala/parkctl/internal/gate"
	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/lpr"
	"github.com/tphakala/parkctl/internal/observability"
	"github.com/tphakala/parkctl/internal/occupancy"
	"github.com/tphakala/parkctl/internal/snapshot"
)

// Hardware is what a node runs on. Bus may be nil: the cameras then report
// no usable read and the sign board is not driven.
type Hardware struct {
	Chip gpio.Chip
	Bus  fieldbus.Transport
}

// BuildOptions are the optional collaborators of Build.
type BuildOptions struct {
	Metrics   *observability.Metrics
	Heartbeat Heartbeater
	Stats     HostStats
	Snapshot  []snapshot.ClientOption
	Logger    logger.Logger
}

// Build wires a node for settings.Node on hw.
func Build(s *conf.Settings, hw Hardware, bo BuildOptions) (*Node, error) {
	floor := s.Node.Floor
	fc, ok := s.Facility.Floor(floor)
	if !ok {
		return nil, configError("floor %d not in the capacity table", floor)
	}
	if fc.MuxLines > len(s.GPIO.Address) {
		return nil, configError("floor %d needs %d mux address lines, %d configured", floor, fc.MuxLines, len(s.GPIO.Address))
	}
	log := bo.Logger
	if log == nil {
		log = logger.Global().Module("node")
	}
	m := bo.Metrics

	mux, err := gpio.NewBus(hw.Chip, s.GPIO.Address[:fc.MuxLines])
	if err != nil {
		return nil, err
	}
	sense, err := hw.Chip.Input(s.GPIO.Sense)
	if err != nil {
		return nil, err
	}
	layout := occupancy.Layout(fc.PCD, fc.Elderly, fc.Regular)
	scanner, err := occupancy.NewMuxScanner(mux, sense, len(layout), s.Scan.Settle)
	if err != nil {
		return nil, err
	}

	var (
		ids       occupancy.IDSource
		counter   *occupancy.Counter
		followIDs *occupancy.CentralID
	)
	if floor == 0 {
		counter = &occupancy.Counter{}
		ids = occupancy.Issued{C: counter}
	} else {
		followIDs = &occupancy.CentralID{}
		ids = followIDs
	}
	trackerOpts := []occupancy.Option{}
	if m != nil {
		trackerOpts = append(trackerOpts, occupancy.WithRecorder(m.Node))
	}
	tracker := occupancy.NewTracker(floor, layout, s.Facility.UnitRate, ids, trackerOpts...)

	clientOpts := append([]snapshot.ClientOption(nil), bo.Snapshot...)
	if m != nil {
		clientOpts = append(clientOpts, snapshot.WithSyncRecorder(m.Node))
	}
	client := snapshot.NewClient(floor, snapshot.ClientConfig{
		Addr:           s.Sync.Central,
		Interval:       s.Sync.Interval,
		Timeout:        s.Sync.Timeout,
		BackoffInitial: s.Sync.BackoffInitial,
		BackoffMax:     s.Sync.BackoffMax,
		MaxAttempts:    s.Sync.MaxAttempts,
		Cooldown:       s.Sync.Cooldown,
	}, clientOpts...)

	cfg := Config{
		Name:         s.Node.Name,
		Floor:        floor,
		ScanInterval: s.Scan.Interval,
		GatePoll:     s.GPIO.Poll,
		PassagePoll:  s.Scan.Passage,
		Heartbeat:    s.Telemetry.Heartbeat,
	}
	opts := []Option{WithLogger(log)}
	if bo.Heartbeat != nil {
		opts = append(opts, WithHeartbeat(bo.Heartbeat, bo.Stats))
	}

	var n *Node
	if floor == 0 {
		link, err := fieldLink(s, hw.Bus, m)
		if err != nil {
			return nil, err
		}
		closed := func() bool { return n != nil && n.FacilityClosed() }
		entrance, err := buildGate(hw.Chip, gate.Entrance, s.GPIO.EntryGate, capturer(s, link, s.FieldBus.EntryCamera, m), m,
			gate.WithVehicleIDs(counter.NextVehicleID), gate.WithFacilityClosed(closed))
		if err != nil {
			return nil, err
		}
		exit, err := buildGate(hw.Chip, gate.Exit, s.GPIO.ExitGate, capturer(s, link, s.FieldBus.ExitCamera, m), m)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithGates(entrance, exit), WithCounter(counter))
		if link != nil {
			opts = append(opts, WithBoard(devices.NewSignBoard(link, s.FieldBus.SignBoard)))
			if m != nil {
				opts = append(opts, WithBoardRecorder(m.Node))
			}
		}
	} else {
		s1, err := hw.Chip.Input(s.GPIO.Passage.Sensor1)
		if err != nil {
			return nil, err
		}
		s2, err := hw.Chip.Input(s.GPIO.Passage.Sensor2)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithBeams(&Beams{Sensor1: s1, Sensor2: s2}), WithCentralID(followIDs))
	}
	if s.GPIO.FullLamp >= 0 {
		lamp, err := hw.Chip.Output(s.GPIO.FullLamp)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithFullLamp(lamp))
	}

	n = New(cfg, tracker, scanner, client, opts...)
	return n, nil
}

func fieldLink(s *conf.Settings, port fieldbus.Transport, m *observability.Metrics) (*fieldbus.Link, error) {
	if port == nil {
		return nil, nil
	}
	tag, err := fieldbus.ParseSiteTag(s.FieldBus.SiteTag)
	if err != nil {
		return nil, errors.New(err).Component("node").Category(errors.CategoryConfiguration).Build()
	}
	cfg := fieldbus.DefaultConfig()
	cfg.SiteTag = tag
	if s.FieldBus.ResponseWindow > 0 {
		cfg.ResponseWindow = s.FieldBus.ResponseWindow
	}
	if len(s.FieldBus.RetryDelays) > 0 {
		cfg.RetryDelays = s.FieldBus.RetryDelays
	}
	var opts []fieldbus.Option
	if m != nil {
		opts = append(opts, fieldbus.WithRecorder(m.FieldBus))
	}
	return fieldbus.NewLink(port, cfg, opts...), nil
}

func capturer(s *conf.Settings, link *fieldbus.Link, addr uint8, m *observability.Metrics) lpr.Capturer {
	if link == nil {
		return lpr.Degraded{}
	}
	cfg := lpr.DefaultConfig()
	if s.Capture.PollInterval > 0 {
		cfg.PollInterval = s.Capture.PollInterval
	}
	if s.Capture.Deadline > 0 {
		cfg.Deadline = s.Capture.Deadline
	}
	var opts []lpr.Option
	if m != nil {
		opts = append(opts, lpr.WithRecorder(m.Capture))
	}
	return lpr.NewSequencer(devices.NewCamera(link, addr), cfg, opts...)
}

func buildGate(chip gpio.Chip, kind gate.Kind, pins conf.GatePins, capt lpr.Capturer, m *observability.Metrics, extra ...gate.Option) (*Gate, error) {
	open, err := chip.Input(pins.OpenSensor)
	if err != nil {
		return nil, err
	}
	cls, err := chip.Input(pins.CloseSensor)
	if err != nil {
		return nil, err
	}
	motor, err := chip.Output(pins.Motor)
	if err != nil {
		return nil, err
	}
	opts := extra
	if m != nil {
		opts = append(opts, gate.WithRecorder(m.Node))
	}
	return &Gate{
		Controller: gate.New(kind, motor, capt, opts...),
		Pins:       gate.Pins{OpenSensor: open, CloseSensor: cls, Motor: motor},
	}, nil
}

func configError(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("node").
		Category(errors.CategoryConfiguration).
		Build()
}
