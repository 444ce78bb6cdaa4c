package devices

import (
	"context"

	"github.com/tphakala/parkctl/internal/errors"
)

// Sign board layout.
const (
	BoardFloors   = 3
	BoardWords    = 13
	boardCarsBase = 9
	boardFlagsReg = 12
)

// Sign board flag bits.
const (
	FlagFacilityFull uint16 = 1 << 0
	FlagFloor1Closed uint16 = 1 << 1
	FlagFloor2Closed uint16 = 1 << 2
)

// Free holds available slots per category.
type Free struct {
	PCD     int
	Elderly int
	Regular int
}

// Board is the content of the sign board.
type Board struct {
	Free  [BoardFloors]Free
	Cars  [BoardFloors]int
	Flags uint16
}

// Words renders the 13 registers in bus order.
func (b Board) Words() []uint16 {
	w := make([]uint16, BoardWords)
	for f := range BoardFloors {
		w[3*f] = clampWord(b.Free[f].PCD)
		w[3*f+1] = clampWord(b.Free[f].Elderly)
		w[3*f+2] = clampWord(b.Free[f].Regular)
		w[boardCarsBase+f] = clampWord(b.Cars[f])
	}
	w[boardFlagsReg] = b.Flags
	return w
}

// BoardFromWords is the inverse of Words.
func BoardFromWords(w []uint16) Board {
	var b Board
	if len(w) < BoardWords {
		return b
	}
	for f := range BoardFloors {
		b.Free[f] = Free{PCD: int(w[3*f]), Elderly: int(w[3*f+1]), Regular: int(w[3*f+2])}
		b.Cars[f] = int(w[boardCarsBase+f])
	}
	b.Flags = w[boardFlagsReg]
	return b
}

func clampWord(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xFFFF:
		return 0xFFFF
	}
	return uint16(v)
}

// SignBoard is the display at AddrSignBoard.
type SignBoard struct {
	addr byte
	bus  RegisterIO
}

// NewSignBoard binds the board at addr.
func NewSignBoard(bus RegisterIO, addr byte) *SignBoard {
	return &SignBoard{addr: addr, bus: bus}
}

// Write pushes all 13 registers in one transaction.
func (s *SignBoard) Write(ctx context.Context, b Board) error {
	return s.WriteWords(ctx, b.Words())
}

// WriteWords pushes raw register words as received from the central.
func (s *SignBoard) WriteWords(ctx context.Context, words []uint16) error {
	if len(words) != BoardWords {
		return errors.Newf("sign board expects %d words, got %d", BoardWords, len(words)).
			Component("devices").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := s.bus.WriteRegisters(ctx, s.addr, 0, words); err != nil {
		return errors.New(err).
			Component("devices").
			Category(errors.CategoryFieldBus).
			Context("address", s.addr).
			Build()
	}
	return nil
}

// Read fetches the current board content.
func (s *SignBoard) Read(ctx context.Context) (Board, error) {
	w, err := s.bus.ReadRegisters(ctx, s.addr, 0, BoardWords)
	if err != nil {
		return Board{}, err
	}
	return BoardFromWords(w), nil
}
