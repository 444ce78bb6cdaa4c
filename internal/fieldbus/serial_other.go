//go:build !linux

package fieldbus

import (
	"github.com/tphakala/parkctl/internal/errors"
)

// SerialPort is only available on Linux controllers.
type SerialPort struct{}

// OpenSerial always fails off Linux; nodes fall back to degraded capture.
func OpenSerial(path string, baud int) (*SerialPort, error) {
	return nil, errors.Newf("serial port %s unsupported on this platform", path).
		Component("fieldbus").
		Category(errors.CategoryConfiguration).
		Build()
}

func (p *SerialPort) Read([]byte) (int, error)  { return 0, ErrTimeout }
func (p *SerialPort) Write([]byte) (int, error) { return 0, ErrTimeout }
func (p *SerialPort) Flush() error              { return nil }
func (p *SerialPort) Close() error              { return nil }
