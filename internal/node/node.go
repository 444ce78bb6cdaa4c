// Package node runs one floor controller: the slot scan, the barriers or
// the ramp beams, the sign board on the ground floor, and the snapshot
// exchange with the central.
package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tphakala/parkctl/internal/devices"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/gate"
	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/occupancy"
	"github.com/tphakala/parkctl/internal/snapshot"
)

// Config holds loop timing for one node.
type Config struct {
	Name         string
	Floor        int
	ScanInterval time.Duration
	GatePoll     time.Duration
	PassagePoll  time.Duration
	Heartbeat    time.Duration
	BoardLogGap  time.Duration // minimum gap between sign-board failure logs
	OutboxLimit  int
}

// DefaultConfig matches the shipped configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 100 * time.Millisecond,
		GatePoll:     10 * time.Millisecond,
		PassagePoll:  50 * time.Millisecond,
		Heartbeat:    30 * time.Second,
		BoardLogGap:  time.Minute,
		OutboxLimit:  64,
	}
}

// Syncer is the central link; *snapshot.Client implements it.
type Syncer interface {
	Run(ctx context.Context, build func() (snapshot.NodeReport, []int), apply func(snapshot.Command, []int)) error
	Degraded() bool
}

// BoardWriter writes the sign board; *devices.SignBoard implements it.
type BoardWriter interface {
	WriteWords(ctx context.Context, words []uint16) error
}

// BoardRecorder counts sign-board failures; *metrics.NodeMetrics implements it.
type BoardRecorder interface {
	RecordBoardError()
}

// Gate pairs a barrier with its sensor lines.
type Gate struct {
	Controller *gate.Controller
	Pins       gate.Pins
}

// Beams are the two ramp sensors of an upper floor.
type Beams struct {
	Sensor1 gpio.Input
	Sensor2 gpio.Input
}

// Node is the state of one floor controller. Ground nodes have gates and a
// board; upper floors have beams and follow the central's vehicle ids.
type Node struct {
	cfg     Config
	tracker *occupancy.Tracker
	scanner occupancy.Scanner
	outbox  *snapshot.Outbox
	link    Syncer
	log     logger.Logger

	entrance  *Gate
	exit      *Gate
	beams     *Beams
	passage   *occupancy.PassageDetector
	lamp      gpio.Output
	board     BoardWriter
	boardCh   chan []uint16
	boardLog  *rate.Limiter
	centralID *occupancy.CentralID
	counter   *occupancy.Counter
	beats     Heartbeater
	stats     HostStats
	recorder  BoardRecorder

	boardErrors atomic.Uint64

	mu             sync.Mutex
	facilityClosed bool
	resumed        bool // first command applied; event sequences rebased
	captures       map[int]captured // entrance reads by vehicle id, until the slot entry
}

const maxHeldCaptures = 32

type captured struct {
	plate      string
	confidence int
}

// Option configures a Node.
type Option func(*Node)

// WithGates attaches the ground floor barriers.
func WithGates(entrance, exit *Gate) Option {
	return func(n *Node) { n.entrance, n.exit = entrance, exit }
}

// WithBeams attaches the ramp sensors of an upper floor.
func WithBeams(b *Beams) Option { return func(n *Node) { n.beams = b } }

// WithFullLamp drives the "full" lamp: the facility flag on the ground
// floor, and the floor's own closure as well upstairs.
func WithFullLamp(out gpio.Output) Option { return func(n *Node) { n.lamp = out } }

// WithBoard attaches the sign board.
func WithBoard(b BoardWriter) Option { return func(n *Node) { n.board = b } }

// WithCentralID makes the node adopt the central's last admitted id.
func WithCentralID(ids *occupancy.CentralID) Option { return func(n *Node) { n.centralID = ids } }

// WithCounter seeds the ground floor id counter from the central's last
// admitted id, so a restarted node does not hand out ids again.
func WithCounter(c *occupancy.Counter) Option { return func(n *Node) { n.counter = c } }

// WithHeartbeat publishes host stats every cfg.Heartbeat.
func WithHeartbeat(h Heartbeater, stats HostStats) Option {
	return func(n *Node) {
		n.beats = h
		n.stats = stats
	}
}

// WithBoardRecorder counts sign-board failures.
func WithBoardRecorder(r BoardRecorder) Option { return func(n *Node) { n.recorder = r } }

// WithLogger sets the module logger.
func WithLogger(l logger.Logger) Option { return func(n *Node) { n.log = l } }

// New assembles a node around its tracker, scanner and central link.
func New(cfg Config, tracker *occupancy.Tracker, scanner occupancy.Scanner, syncer Syncer, opts ...Option) *Node {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.GatePoll <= 0 {
		cfg.GatePoll = def.GatePoll
	}
	if cfg.PassagePoll <= 0 {
		cfg.PassagePoll = def.PassagePoll
	}
	if cfg.BoardLogGap <= 0 {
		cfg.BoardLogGap = def.BoardLogGap
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = def.OutboxLimit
	}
	n := &Node{
		cfg:      cfg,
		tracker:  tracker,
		scanner:  scanner,
		outbox:   snapshot.NewOutbox(cfg.OutboxLimit),
		link:     syncer,
		log:      logger.Global().Module("node"),
		boardCh:  make(chan []uint16, 1),
		boardLog: rate.NewLimiter(rate.Every(cfg.BoardLogGap), 1),
		captures: make(map[int]captured),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.beams != nil {
		n.passage = occupancy.NewPassageDetector(cfg.Floor)
	}
	if n.stats == nil {
		n.stats = SampleHost
	}
	return n
}

// FacilityClosed is the flag from the last command; the entrance refuses to
// open while it is set.
func (n *Node) FacilityClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.facilityClosed
}

// ErrSyncDegraded is reported by SyncHealth while the central is unreachable.
var ErrSyncDegraded = errors.NewStd("node: central unreachable, running degraded")

// SyncHealth fails while the snapshot link is in its cool-down.
func (n *Node) SyncHealth() error {
	if n.link.Degraded() {
		return ErrSyncDegraded
	}
	return nil
}

// Pending counts events waiting for the central's acknowledgement.
func (n *Node) Pending() int { return n.outbox.Pending() }

// Run starts every loop of the node and returns when ctx ends or a loop fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.tracker.Run(ctx, n.scanner, n.cfg.ScanInterval, n.onSlotEvent) })
	for _, gt := range []*Gate{n.entrance, n.exit} {
		if gt == nil {
			continue
		}
		g.Go(func() error { return gt.Controller.Run(ctx, gt.Pins, n.cfg.GatePoll, n.onPass) })
	}
	if n.beams != nil {
		g.Go(func() error {
			return occupancy.RunPassage(ctx, n.passage, n.beams.Sensor1, n.beams.Sensor2,
				n.cfg.PassagePoll, n.tracker.Closed, n.onPassage, n.log)
		})
	}
	if n.board != nil {
		g.Go(func() error { return n.runBoard(ctx) })
	}
	if n.beats != nil && n.cfg.Heartbeat > 0 {
		g.Go(func() error { return n.runHeartbeat(ctx) })
	}
	g.Go(func() error { return n.link.Run(ctx, n.Report, n.Apply) })

	n.log.Info("node running",
		logger.String("node", n.cfg.Name),
		logger.Int("floor", n.cfg.Floor),
		logger.Int("slots", len(n.tracker.Slots())))
	return g.Wait()
}

func (n *Node) onSlotEvent(ev occupancy.Event) {
	switch ev.Kind {
	case occupancy.EventEntry:
		n.mu.Lock()
		cp, ok := n.captures[ev.VehicleID]
		delete(n.captures, ev.VehicleID)
		n.mu.Unlock()
		if ok {
			n.tracker.AttachPlate(ev.Slot, cp.plate, cp.confidence)
		}
		n.outbox.Push(snapshot.KindEntry, snapshot.Event{VehicleID: ev.VehicleID, Slot: ev.Slot})
	case occupancy.EventExit:
		n.outbox.Push(snapshot.KindExit, snapshot.Event{
			VehicleID: ev.VehicleID, Slot: ev.Slot, Minutes: ev.Minutes, FeeCents: ev.FeeCents,
		})
	}
}

func (n *Node) onPass(p gate.Pass) {
	ev := snapshot.Event{Plate: p.Capture.Plate, Confidence: p.Capture.Confidence}
	if p.Gate == gate.Entrance {
		ev.VehicleID = p.VehicleID
		if p.Capture.Usable() {
			n.mu.Lock()
			n.captures[p.VehicleID] = captured{plate: p.Capture.Plate, confidence: p.Capture.Confidence}
			// cars heading upstairs never park here; forget the oldest reads
			for id := range n.captures {
				if id <= p.VehicleID-maxHeldCaptures {
					delete(n.captures, id)
				}
			}
			n.mu.Unlock()
		}
	}
	n.outbox.Push(snapshot.KindGatePass, ev)
}

func (n *Node) onPassage(p occupancy.Passage) {
	n.outbox.Push(snapshot.KindPassage, snapshot.Event{Direction: int(p.Direction)})
}

// Report builds the next node vector and the event sequences it carries.
// Until the first command arrives the report carries no events: that
// exchange only tells the node where its sequences continue.
func (n *Node) Report() (snapshot.NodeReport, []int) {
	a := n.tracker.Available()
	r := snapshot.NodeReport{
		Floor:       n.cfg.Floor,
		Available:   [3]int{a.PCD, a.Elderly, a.Regular},
		Occupied:    n.tracker.Occupied(),
		GateOpen:    n.gateOpen(),
		FloorClosed: n.tracker.Closed(),
	}
	copy(r.Occupancy[:], n.tracker.Vector())

	n.mu.Lock()
	resumed := n.resumed
	n.mu.Unlock()
	if !resumed {
		return r, nil
	}
	sent := n.outbox.Fill(&r)
	return r, sent
}

// Apply takes the central's command: held events are released on a matching
// echo, closure flags and the vehicle id are adopted, manual gate requests
// and board updates are executed.
func (n *Node) Apply(cmd snapshot.Command, sent []int) {
	if !n.outbox.Ack(sent, cmd.Ack) {
		n.log.Debug("report not acknowledged, events held",
			logger.Int("echo", cmd.Ack), logger.Int("pending", n.outbox.Pending()))
	}

	n.mu.Lock()
	n.facilityClosed = cmd.FacilityClosed
	first := !n.resumed
	n.resumed = true
	n.mu.Unlock()

	if first {
		n.outbox.Rebase(cmd.SeqBase)
		n.log.Info("event sequence resumed",
			logger.Int("seq_base", cmd.SeqBase), logger.Int("pending", n.outbox.Pending()))
	}
	if n.counter != nil {
		n.counter.Seed(cmd.LastAdmittedID)
	}

	if n.cfg.Floor > 0 {
		n.tracker.SetClosed(cmd.FloorClosed(n.cfg.Floor))
	}
	if n.centralID != nil {
		n.centralID.Set(cmd.LastAdmittedID)
	}
	if n.lamp != nil {
		lit := cmd.FacilityClosed
		if n.cfg.Floor > 0 {
			lit = lit || cmd.FloorClosed(n.cfg.Floor)
		}
		if err := n.lamp.Write(lit); err != nil {
			n.log.Warn("full lamp write failed", logger.Error(err))
		}
	}

	n.manual(n.entrance, cmd.ManualEntry)
	n.manual(n.exit, cmd.ManualExit)

	if n.board != nil && cmd.BoardUpdate && len(cmd.Board) == devices.BoardWords {
		n.queueBoard(cmd.Board)
	}
}

func (n *Node) manual(g *Gate, requested bool) {
	if !requested {
		return
	}
	if g == nil {
		n.log.Warn("manual gate command on a node without gates", logger.Int("floor", n.cfg.Floor))
		return
	}
	if err := g.Controller.RequestManual(); err != nil {
		n.log.Warn("manual gate command refused",
			logger.String("gate", string(g.Controller.Kind())),
			logger.Error(err))
	}
}

func (n *Node) gateOpen() bool {
	for _, g := range []*Gate{n.entrance, n.exit} {
		if g != nil && g.Controller.IsOpen() {
			return true
		}
	}
	return false
}

// queueBoard replaces any board content not yet written.
func (n *Node) queueBoard(words []uint16) {
	w := append([]uint16(nil), words...)
	for {
		select {
		case n.boardCh <- w:
			return
		default:
		}
		select {
		case <-n.boardCh:
		default:
		}
	}
}

func (n *Node) runBoard(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case words := <-n.boardCh:
			if err := n.board.WriteWords(ctx, words); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				total := n.boardErrors.Add(1)
				if n.recorder != nil {
					n.recorder.RecordBoardError()
				}
				if n.boardLog.Allow() {
					n.log.Warn("sign board write failed",
						logger.Uint64("failures", total),
						logger.Error(err))
				}
			}
		}
	}
}
