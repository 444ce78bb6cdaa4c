package fieldbus

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/parkctl/internal/errors"
)

// Exception codes returned by simulated devices.
const (
	ExcIllegalFunction byte = 0x01
	ExcIllegalAddress  byte = 0x02
)

// Handler answers requests addressed to one simulated device. A non-zero
// exception code produces an exception reply.
type Handler interface {
	HandleRead(start, count uint16) ([]uint16, byte)
	HandleWrite(start uint16, values []uint16) byte
}

// RegisterBlock is a plain holding-register device. OnWrite runs after
// every accepted write with the block lock held.
type RegisterBlock struct {
	mu      sync.Mutex
	regs    []uint16
	OnWrite func(regs []uint16, start, count int)
}

// NewRegisterBlock returns a block of n zeroed registers.
func NewRegisterBlock(n int) *RegisterBlock {
	return &RegisterBlock{regs: make([]uint16, n)}
}

// HandleRead implements Handler.
func (b *RegisterBlock) HandleRead(start, count uint16) ([]uint16, byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(start)+int(count) > len(b.regs) {
		return nil, ExcIllegalAddress
	}
	out := make([]uint16, count)
	copy(out, b.regs[start:])
	return out, 0
}

// HandleWrite implements Handler.
func (b *RegisterBlock) HandleWrite(start uint16, values []uint16) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(start)+len(values) > len(b.regs) {
		return ExcIllegalAddress
	}
	copy(b.regs[start:], values)
	if b.OnWrite != nil {
		b.OnWrite(b.regs, int(start), len(values))
	}
	return 0
}

// Set stores values starting at start without running OnWrite.
func (b *RegisterBlock) Set(start int, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.regs[start:], values)
}

// Snapshot returns a copy of every register.
func (b *RegisterBlock) Snapshot() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint16(nil), b.regs...)
}

// SimBus is an in-process Transport with devices attached. Replies are queued
// in a ring buffer and read back like bytes arriving on a tty.
type SimBus struct {
	mu      sync.Mutex
	tag     SiteTag
	devices map[byte]Handler
	rx      *ringbuffer.RingBuffer
	echoTag bool
	drop    int
	corrupt int
}

// NewSimBus creates a bus expecting tag on every request.
func NewSimBus(tag SiteTag) *SimBus {
	return &SimBus{
		tag:     tag,
		devices: make(map[byte]Handler),
		rx:      ringbuffer.New(1024),
	}
}

// Attach connects h at addr.
func (s *SimBus) Attach(addr byte, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[addr] = h
}

// EchoSiteTag makes devices append the site tag to their replies.
func (s *SimBus) EchoSiteTag(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoTag = on
}

// DropReplies silences the next n replies.
func (s *SimBus) DropReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// CorruptReplies flips a bit in the next n replies.
func (s *SimBus) CorruptReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = n
}

// Flush implements Transport.
func (s *SimBus) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx.Reset()
	return nil
}

// Read returns queued reply bytes; an empty queue reads as line silence.
func (s *SimBus) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.rx.Read(p)
	if errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, nil
	}
	return n, err
}

// Write accepts one complete request frame and queues the device reply.
// Frames with a bad checksum, wrong site tag or unknown address are ignored
// the way a real device would ignore them.
func (s *SimBus) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := ParseRequest(s.tag, p)
	if err != nil {
		return len(p), nil
	}
	h, ok := s.devices[req.Address]
	if !ok {
		return len(p), nil
	}

	var reply []byte
	switch req.Function {
	case FuncReadHolding:
		regs, exc := h.HandleRead(req.Start, req.Count)
		if exc != 0 {
			reply = []byte{req.Address, req.Function | exceptionBit, exc}
		} else {
			reply = []byte{req.Address, req.Function, byte(2 * len(regs))}
			for _, v := range regs {
				reply = binary.LittleEndian.AppendUint16(reply, v)
			}
		}
	case FuncWriteMultiple:
		if exc := h.HandleWrite(req.Start, req.Values); exc != 0 {
			reply = []byte{req.Address, req.Function | exceptionBit, exc}
		} else {
			reply = []byte{req.Address, req.Function}
			reply = binary.LittleEndian.AppendUint16(reply, req.Start)
			reply = binary.LittleEndian.AppendUint16(reply, req.Count)
		}
	default:
		reply = []byte{req.Address, req.Function | exceptionBit, ExcIllegalFunction}
	}
	if s.echoTag {
		reply = append(reply, s.tag[:]...)
	}
	reply = appendCRC(reply)

	switch {
	case s.drop > 0:
		s.drop--
		return len(p), nil
	case s.corrupt > 0:
		s.corrupt--
		reply[len(reply)/2] ^= 0x04
	}
	if _, err := s.rx.Write(reply); err != nil {
		return 0, fmt.Errorf("sim bus: queue reply: %w", err)
	}
	return len(p), nil
}

// ParseRequest decodes a request frame as a device sees it.
func ParseRequest(tag SiteTag, frame []byte) (Request, error) {
	const header = 6
	if len(frame) < header+SiteTagLen+2 {
		return Request{}, fmt.Errorf("%w: %d byte request", ErrMalformed, len(frame))
	}
	if !checkCRC(frame) {
		return Request{}, ErrChecksum
	}
	body := frame[:len(frame)-SiteTagLen-2]
	if SiteTag(frame[len(body):len(body)+SiteTagLen]) != tag {
		return Request{}, fmt.Errorf("%w: site tag", ErrMismatch)
	}

	req := Request{
		Address:  body[0],
		Function: body[1],
		Start:    binary.LittleEndian.Uint16(body[2:]),
		Count:    binary.LittleEndian.Uint16(body[4:]),
	}
	if req.Function == FuncWriteMultiple {
		if len(body) < header+1 || int(body[header]) != 2*int(req.Count) || len(body) != header+1+2*int(req.Count) {
			return Request{}, fmt.Errorf("%w: write payload length", ErrMalformed)
		}
		req.Values = make([]uint16, req.Count)
		for i := range req.Values {
			req.Values[i] = binary.LittleEndian.Uint16(body[header+1+2*i:])
		}
	} else if len(body) != header {
		return Request{}, fmt.Errorf("%w: read request length", ErrMalformed)
	}
	return req, nil
}
