package fieldbus

import (
	"encoding/binary"
	"fmt"
)

// Function codes
const (
	FuncReadHolding   byte = 0x03
	FuncWriteMultiple byte = 0x10

	exceptionBit byte = 0x80
)

// Protocol limits
const (
	SiteTagLen   = 4
	MaxReadCount = 125
	MaxWriteRegs = 123
)

// SiteTag is the fixed 4-byte trailer inserted before the checksum of every request.
type SiteTag [SiteTagLen]byte

// ParseSiteTag converts a 4-character string such as "7700" into a SiteTag.
func ParseSiteTag(s string) (SiteTag, error) {
	var tag SiteTag
	if len(s) != SiteTagLen {
		return tag, fmt.Errorf("site tag %q must be %d bytes", s, SiteTagLen)
	}
	copy(tag[:], s)
	return tag, nil
}

// Request is one field-bus transaction as seen by callers.
type Request struct {
	Address  byte
	Function byte
	Start    uint16
	Count    uint16
	Values   []uint16 // write payload, len(Values) == Count
}

// ReadRequest builds a read holding registers request.
func ReadRequest(addr byte, start, count uint16) Request {
	return Request{Address: addr, Function: FuncReadHolding, Start: start, Count: count}
}

// WriteRequest builds a write multiple registers request.
func WriteRequest(addr byte, start uint16, values []uint16) Request {
	return Request{Address: addr, Function: FuncWriteMultiple, Start: start, Count: uint16(len(values)), Values: values}
}

func (r Request) validate() error {
	switch r.Function {
	case FuncReadHolding:
		if r.Count == 0 || r.Count > MaxReadCount {
			return fmt.Errorf("%w: read count %d out of range", ErrMalformed, r.Count)
		}
	case FuncWriteMultiple:
		if len(r.Values) == 0 || len(r.Values) > MaxWriteRegs || int(r.Count) != len(r.Values) {
			return fmt.Errorf("%w: write of %d registers out of range", ErrMalformed, len(r.Values))
		}
	default:
		return fmt.Errorf("%w: unsupported function 0x%02X", ErrMalformed, r.Function)
	}
	return nil
}

// Encode renders the request frame:
//
//	[addr][func][start lo hi][count lo hi] (+ [byte count][words lo hi...]) [site tag] [crc lo hi]
//
// Register words are little-endian on this bus.
func (r Request) Encode(tag SiteTag) []byte {
	n := 6 + SiteTagLen + 2
	if r.Function == FuncWriteMultiple {
		n += 1 + 2*len(r.Values)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, r.Address, r.Function)
	buf = binary.LittleEndian.AppendUint16(buf, r.Start)
	buf = binary.LittleEndian.AppendUint16(buf, r.Count)
	if r.Function == FuncWriteMultiple {
		buf = append(buf, byte(2*len(r.Values)))
		for _, v := range r.Values {
			buf = binary.LittleEndian.AppendUint16(buf, v)
		}
	}
	buf = append(buf, tag[:]...)
	return appendCRC(buf)
}

// expectedLen is the response length without an echoed site tag.
func (r Request) expectedLen() int {
	if r.Function == FuncReadHolding {
		return 5 + 2*int(r.Count)
	}
	return 8
}

// Response is a decoded device reply.
type Response struct {
	Address   byte
	Function  byte
	Registers []uint16 // read replies only
	Start     uint16   // write acks only
	Count     uint16
}

// ExceptionError is a device-reported protocol exception.
type ExceptionError struct {
	Address  byte
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("fieldbus: device 0x%02X rejected function 0x%02X with exception %d", e.Address, e.Function, e.Code)
}

// DecodeResponse validates frame against the request that produced it. The
// device may or may not echo the site tag before the checksum; both forms are
// accepted, but an echoed tag must match.
func DecodeResponse(req Request, tag SiteTag, frame []byte) (Response, error) {
	if len(frame) == 0 {
		return Response{}, ErrTimeout
	}
	if len(frame) < 5 {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(frame))
	}
	if frame[0] != req.Address {
		return Response{}, fmt.Errorf("%w: address 0x%02X, want 0x%02X", ErrMismatch, frame[0], req.Address)
	}

	if frame[1] == req.Function|exceptionBit {
		if err := checkTail(frame, 3, tag); err != nil {
			return Response{}, err
		}
		return Response{}, &ExceptionError{Address: frame[0], Function: req.Function, Code: frame[2]}
	}
	if frame[1] != req.Function {
		return Response{}, fmt.Errorf("%w: function 0x%02X, want 0x%02X", ErrMismatch, frame[1], req.Function)
	}

	resp := Response{Address: frame[0], Function: frame[1]}
	switch req.Function {
	case FuncReadHolding:
		byteCount := int(frame[2])
		if byteCount != 2*int(req.Count) {
			return Response{}, fmt.Errorf("%w: byte count %d for %d registers", ErrMalformed, byteCount, req.Count)
		}
		if err := checkTail(frame, 3+byteCount, tag); err != nil {
			return Response{}, err
		}
		resp.Registers = make([]uint16, req.Count)
		for i := range resp.Registers {
			resp.Registers[i] = binary.LittleEndian.Uint16(frame[3+2*i:])
		}
	case FuncWriteMultiple:
		if err := checkTail(frame, 6, tag); err != nil {
			return Response{}, err
		}
		resp.Start = binary.LittleEndian.Uint16(frame[2:])
		resp.Count = binary.LittleEndian.Uint16(frame[4:])
		if resp.Start != req.Start || resp.Count != req.Count {
			return Response{}, fmt.Errorf("%w: ack for %d@%d, want %d@%d", ErrMismatch, resp.Count, resp.Start, req.Count, req.Start)
		}
	}
	return resp, nil
}

// checkTail verifies what follows a body of bodyLen bytes: either the CRC
// alone or the echoed site tag and then the CRC.
func checkTail(frame []byte, bodyLen int, tag SiteTag) error {
	switch len(frame) - bodyLen {
	case 2:
	case SiteTagLen + 2:
		if SiteTag(frame[bodyLen:bodyLen+SiteTagLen]) != tag {
			return fmt.Errorf("%w: site tag %q", ErrMismatch, frame[bodyLen:bodyLen+SiteTagLen])
		}
	default:
		return fmt.Errorf("%w: %d bytes after a %d byte body", ErrMalformed, len(frame)-bodyLen, bodyLen)
	}
	if !checkCRC(frame) {
		return ErrChecksum
	}
	return nil
}
