//go:build linux

package fieldbus

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tphakala/parkctl/internal/errors"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// SerialPort is a raw 8N1 tty. Reads return after 100 ms of line silence
// (VMIN 0, VTIME 1), which is what ends a response read.
type SerialPort struct {
	fd   int
	path string
}

// OpenSerial opens and configures the tty at path.
func OpenSerial(path string, baud int) (*SerialPort, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, errors.Newf("unsupported baud rate %d", baud).
			Component("fieldbus").
			Category(errors.CategoryConfiguration).
			Build()
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.New(fmt.Errorf("open %s: %w", path, err)).
			Component("fieldbus").
			Category(errors.CategoryFieldBus).
			Context("port", path).
			Build()
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get termios %s: %w", path, err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set termios %s: %w", path, err)
	}

	return &SerialPort{fd: fd, path: path}, nil
}

func (p *SerialPort) Read(b []byte) (int, error) {
	n, err := unix.Read(p.fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (p *SerialPort) Write(b []byte) (int, error) {
	n, err := unix.Write(p.fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Flush discards unread input and unsent output.
func (p *SerialPort) Flush() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (p *SerialPort) Close() error {
	return unix.Close(p.fd)
}
