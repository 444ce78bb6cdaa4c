// Package snapshot carries node state to the central and commands back as
// fixed little-endian int32 vectors over TCP.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tphakala/parkctl/internal/errors"
)

// Vector sizes in int32 words.
const (
	NodeWords    = 32
	CommandWords = 8
	BoardWords   = 13
	GroundExtra  = BoardWords + 1
	MaxSlots     = 8
	PlateWords   = 4
)

// Node vector layout.
const (
	idxFloor       = 0
	idxAvailable   = 1 // 3 words: PCD, elderly, regular
	idxOccupancy   = 4 // 8 words
	idxEntryFlag   = 12
	idxEntryID     = 13
	idxEntrySlot   = 14
	idxExitFlag    = 15
	idxExitID      = 16
	idxExitMinutes = 17
	idxExitSlot    = 18
	idxOccupied    = 19
	idxGateOpen    = 20
	idxClosedEcho  = 21
	idxPassageDir  = 22
	idxPassageFlag = 23
	idxPassFlag    = 24
	idxPassID      = 25
	idxPassConf    = 26
	idxPassPlate   = 27 // 4 words
	idxExitFee     = 31
)

// Command vector layout.
const (
	idxLastID         = 0
	idxFacilityClosed = 1
	idxFloor1Closed   = 2
	idxFloor2Closed   = 3
	idxManualEntry    = 4
	idxManualExit     = 5
	idxAck            = 6
	idxSeqBase        = 7
)

// Event is one held node event. Seq is the node's event sequence number and
// doubles as the on-wire flag, so zero means absent.
type Event struct {
	Seq        int
	VehicleID  int
	Slot       int
	Minutes    int
	FeeCents   int
	Direction  int // passage: +1 up, -1 down
	Confidence int
	Plate      string
}

// NodeReport is the decoded node vector.
type NodeReport struct {
	Floor       int
	Available   [3]int
	Occupancy   [MaxSlots]bool
	Occupied    int
	GateOpen    bool
	FloorClosed bool

	Entry    *Event
	Exit     *Event
	Passage  *Event
	GatePass *Event // VehicleID 0 marks an exit-gate pass-through
}

// Events returns the present events in a fixed order.
func (r NodeReport) Events() []*Event {
	var out []*Event
	for _, e := range []*Event{r.Entry, r.Exit, r.Passage, r.GatePass} {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// MaxSeq is the highest event sequence in the report.
func (r NodeReport) MaxSeq() int {
	m := 0
	for _, e := range r.Events() {
		m = max(m, e.Seq)
	}
	return m
}

// Encode renders the 32-word node vector.
func (r NodeReport) Encode() []int32 {
	v := make([]int32, NodeWords)
	v[idxFloor] = int32(r.Floor)
	for i, a := range r.Available {
		v[idxAvailable+i] = int32(a)
	}
	for i, occ := range r.Occupancy {
		v[idxOccupancy+i] = b2i(occ)
	}
	v[idxOccupied] = int32(r.Occupied)
	v[idxGateOpen] = b2i(r.GateOpen)
	v[idxClosedEcho] = b2i(r.FloorClosed)

	if e := r.Entry; e != nil {
		v[idxEntryFlag] = int32(e.Seq)
		v[idxEntryID] = int32(e.VehicleID)
		v[idxEntrySlot] = int32(e.Slot)
	}
	if e := r.Exit; e != nil {
		v[idxExitFlag] = int32(e.Seq)
		v[idxExitID] = int32(e.VehicleID)
		v[idxExitMinutes] = int32(e.Minutes)
		v[idxExitSlot] = int32(e.Slot)
		v[idxExitFee] = int32(e.FeeCents)
	}
	if e := r.Passage; e != nil {
		v[idxPassageDir] = int32(e.Direction)
		v[idxPassageFlag] = int32(e.Seq)
	}
	if e := r.GatePass; e != nil {
		v[idxPassFlag] = int32(e.Seq)
		v[idxPassID] = int32(e.VehicleID)
		v[idxPassConf] = int32(e.Confidence)
		copy(v[idxPassPlate:idxPassPlate+PlateWords], packPlate(e.Plate))
	}
	return v
}

// DecodeNodeReport parses a node vector.
func DecodeNodeReport(v []int32) (NodeReport, error) {
	if len(v) != NodeWords {
		return NodeReport{}, fmt.Errorf("%w: node vector has %d words", ErrVector, len(v))
	}
	r := NodeReport{
		Floor:       int(v[idxFloor]),
		Occupied:    int(v[idxOccupied]),
		GateOpen:    v[idxGateOpen] != 0,
		FloorClosed: v[idxClosedEcho] != 0,
	}
	for i := range r.Available {
		r.Available[i] = int(v[idxAvailable+i])
	}
	for i := range r.Occupancy {
		r.Occupancy[i] = v[idxOccupancy+i] != 0
	}
	if v[idxEntryFlag] != 0 {
		r.Entry = &Event{Seq: int(v[idxEntryFlag]), VehicleID: int(v[idxEntryID]), Slot: int(v[idxEntrySlot])}
	}
	if v[idxExitFlag] != 0 {
		r.Exit = &Event{
			Seq: int(v[idxExitFlag]), VehicleID: int(v[idxExitID]),
			Minutes: int(v[idxExitMinutes]), Slot: int(v[idxExitSlot]), FeeCents: int(v[idxExitFee]),
		}
	}
	if v[idxPassageFlag] != 0 {
		r.Passage = &Event{Seq: int(v[idxPassageFlag]), Direction: int(v[idxPassageDir])}
	}
	if v[idxPassFlag] != 0 {
		r.GatePass = &Event{
			Seq: int(v[idxPassFlag]), VehicleID: int(v[idxPassID]),
			Confidence: int(v[idxPassConf]), Plate: unpackPlate(v[idxPassPlate : idxPassPlate+PlateWords]),
		}
	}
	return r, nil
}

// Command is the central's reply.
type Command struct {
	LastAdmittedID int
	FacilityClosed bool
	Floor1Closed   bool
	Floor2Closed   bool
	ManualEntry    bool
	ManualExit     bool
	Ack            int // highest event sequence the central applied from this report
	SeqBase        int // highest event sequence the central has seen from this floor

	// Ground node only.
	Board       []uint16
	BoardUpdate bool
}

// FloorClosed reports the closure flag for floor n.
func (c Command) FloorClosed(n int) bool {
	switch n {
	case 1:
		return c.Floor1Closed
	case 2:
		return c.Floor2Closed
	}
	return false
}

// Encode renders 8 words, plus the 14 board words when ground is set.
func (c Command) Encode(ground bool) []int32 {
	n := CommandWords
	if ground {
		n += GroundExtra
	}
	v := make([]int32, n)
	v[idxLastID] = int32(c.LastAdmittedID)
	v[idxFacilityClosed] = b2i(c.FacilityClosed)
	v[idxFloor1Closed] = b2i(c.Floor1Closed)
	v[idxFloor2Closed] = b2i(c.Floor2Closed)
	v[idxManualEntry] = b2i(c.ManualEntry)
	v[idxManualExit] = b2i(c.ManualExit)
	v[idxAck] = int32(c.Ack)
	v[idxSeqBase] = int32(c.SeqBase)
	if ground {
		for i := 0; i < BoardWords && i < len(c.Board); i++ {
			v[CommandWords+i] = int32(c.Board[i])
		}
		v[CommandWords+BoardWords] = b2i(c.BoardUpdate)
	}
	return v
}

// DecodeCommand parses a command vector of 8 or 22 words.
func DecodeCommand(v []int32) (Command, error) {
	if len(v) != CommandWords && len(v) != CommandWords+GroundExtra {
		return Command{}, fmt.Errorf("%w: command vector has %d words", ErrVector, len(v))
	}
	c := Command{
		LastAdmittedID: int(v[idxLastID]),
		FacilityClosed: v[idxFacilityClosed] != 0,
		Floor1Closed:   v[idxFloor1Closed] != 0,
		Floor2Closed:   v[idxFloor2Closed] != 0,
		ManualEntry:    v[idxManualEntry] != 0,
		ManualExit:     v[idxManualExit] != 0,
		Ack:            int(v[idxAck]),
		SeqBase:        int(v[idxSeqBase]),
	}
	if len(v) > CommandWords {
		c.Board = make([]uint16, BoardWords)
		for i := range c.Board {
			c.Board[i] = uint16(v[CommandWords+i])
		}
		c.BoardUpdate = v[CommandWords+BoardWords] != 0
	}
	return c, nil
}

// ErrVector marks a vector of the wrong size.
var ErrVector = errors.NewStd("snapshot: bad vector")

// WriteVector writes v as little-endian int32 words.
func WriteVector(w io.Writer, v []int32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

// ReadVector reads n little-endian int32 words.
func ReadVector(r io.Reader, n int) ([]int32, error) {
	v := make([]int32, n)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// packPlate stores two characters per word, first character in the high byte.
func packPlate(plate string) []int32 {
	var buf [2 * PlateWords]byte
	copy(buf[:], plate)
	out := make([]int32, PlateWords)
	for i := range out {
		out[i] = int32(buf[2*i])<<8 | int32(buf[2*i+1])
	}
	return out
}

func unpackPlate(words []int32) string {
	b := make([]byte, 0, 2*len(words))
	for _, w := range words {
		for _, c := range [2]byte{byte(w >> 8), byte(w)} {
			if c != 0 {
				b = append(b, c)
			}
		}
	}
	return string(b)
}
