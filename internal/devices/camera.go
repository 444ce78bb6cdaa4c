// Package devices maps the camera and sign-board register blocks onto typed
// Go values. It performs no retries of its own; the link underneath does.
package devices

import (
	"context"
	"strings"

	"github.com/tphakala/parkctl/internal/errors"
)

// Field-bus addresses of the ground node peripherals.
const (
	AddrEntryCamera byte = 0x11
	AddrExitCamera  byte = 0x12
	AddrSignBoard   byte = 0x20
)

// Camera register map.
const (
	RegStatus     uint16 = 0
	RegTrigger    uint16 = 1
	RegPlate      uint16 = 2 // 4 words, 2 ASCII chars each, high byte first
	RegConfidence uint16 = 6
	RegErrorCode  uint16 = 7

	CameraBlockLen = 8
	PlateLen       = 8
)

// CaptureStatus is the camera status register.
type CaptureStatus uint16

const (
	StatusReady      CaptureStatus = 0
	StatusProcessing CaptureStatus = 1
	StatusOk         CaptureStatus = 2
	StatusError      CaptureStatus = 3
)

func (s CaptureStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusProcessing:
		return "processing"
	case StatusOk:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether polling can stop.
func (s CaptureStatus) Terminal() bool {
	return s == StatusOk || s == StatusError
}

// CaptureResult is one decoded camera block.
type CaptureResult struct {
	Status     CaptureStatus
	Triggered  bool
	Plate      string
	Confidence int
	ErrorCode  int
}

// RegisterIO is the subset of the field-bus link devices need.
type RegisterIO interface {
	ReadRegisters(ctx context.Context, addr byte, start, count uint16) ([]uint16, error)
	WriteRegisters(ctx context.Context, addr byte, start uint16, values []uint16) error
}

// Camera is one LPR camera on the bus.
type Camera struct {
	addr byte
	bus  RegisterIO
}

// NewCamera binds a camera at addr.
func NewCamera(bus RegisterIO, addr byte) *Camera {
	return &Camera{addr: addr, bus: bus}
}

// Address returns the camera's bus address.
func (c *Camera) Address() byte { return c.addr }

// Trigger requests a capture.
func (c *Camera) Trigger(ctx context.Context) error {
	return c.writeTrigger(ctx, 1)
}

// ClearTrigger writes 0 to the trigger register.
func (c *Camera) ClearTrigger(ctx context.Context) error {
	return c.writeTrigger(ctx, 0)
}

func (c *Camera) writeTrigger(ctx context.Context, v uint16) error {
	if err := c.bus.WriteRegisters(ctx, c.addr, RegTrigger, []uint16{v}); err != nil {
		return errors.New(err).
			Component("devices").
			Category(errors.CategoryCapture).
			Context("address", c.addr).
			Context("trigger", v).
			Build()
	}
	return nil
}

// Status reads the status register alone.
func (c *Camera) Status(ctx context.Context) (CaptureStatus, error) {
	regs, err := c.bus.ReadRegisters(ctx, c.addr, RegStatus, 1)
	if err != nil {
		return 0, err
	}
	return CaptureStatus(regs[0] & 0xFF), nil
}

// Read fetches the whole block in one transaction.
func (c *Camera) Read(ctx context.Context) (CaptureResult, error) {
	regs, err := c.bus.ReadRegisters(ctx, c.addr, RegStatus, CameraBlockLen)
	if err != nil {
		return CaptureResult{}, err
	}
	return DecodeCameraBlock(regs), nil
}

// DecodeCameraBlock interprets the 8 camera registers.
func DecodeCameraBlock(regs []uint16) CaptureResult {
	if len(regs) < CameraBlockLen {
		return CaptureResult{}
	}
	return CaptureResult{
		Status:     CaptureStatus(regs[RegStatus] & 0xFF),
		Triggered:  regs[RegTrigger]&0xFF != 0,
		Plate:      PlateFromWords(regs[RegPlate : RegPlate+4]),
		Confidence: confidence(regs[RegConfidence]),
		ErrorCode:  int(regs[RegErrorCode] & 0xFF),
	}
}

// confidence reads the percentage register. A value above 100 is a corrupt
// reading and counts as no confidence, so the vehicle gets a ticket.
func confidence(reg uint16) int {
	if reg > 100 {
		return 0
	}
	return int(reg)
}

// PlateFromWords unpacks high-byte-first ASCII pairs, dropping NUL and
// trailing space padding.
func PlateFromWords(words []uint16) string {
	var b strings.Builder
	for _, w := range words {
		for _, c := range [2]byte{byte(w >> 8), byte(w)} {
			if c != 0 {
				b.WriteByte(c)
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// PlateToWords packs up to 8 characters into 4 words, NUL padded.
func PlateToWords(plate string) []uint16 {
	var buf [PlateLen]byte
	copy(buf[:], plate)
	words := make([]uint16, PlateLen/2)
	for i := range words {
		words[i] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}
	return words
}
