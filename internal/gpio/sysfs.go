package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
)

// SysfsChip uses /sys/class/gpio. Exported lines are unexported on Close.
type SysfsChip struct {
	mu       sync.Mutex
	root     string
	exported []int
}

// OpenSysfs returns a chip rooted at root, normally /sys/class/gpio.
func OpenSysfs(root string) (*SysfsChip, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, errors.New(err).
			Component("gpio").
			Category(errors.CategoryGPIO).
			Context("root", root).
			Build()
	}
	return &SysfsChip{root: root}, nil
}

// Input implements Chip.
func (c *SysfsChip) Input(bcm int) (Input, error) {
	l, err := c.line(bcm, "in")
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Output implements Chip.
func (c *SysfsChip) Output(bcm int) (Output, error) {
	l, err := c.line(bcm, "out")
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (c *SysfsChip) line(bcm int, dir string) (*sysfsLine, error) {
	if bcm < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLine, bcm)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dirPath := filepath.Join(c.root, "gpio"+strconv.Itoa(bcm))
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(c.root, "export"), []byte(strconv.Itoa(bcm)), 0o644); err != nil {
			return nil, c.wrap(err, bcm, "export")
		}
		c.exported = append(c.exported, bcm)
		// udev needs a moment to fix permissions on the new node
		if err := waitFor(dirPath, time.Second); err != nil {
			return nil, c.wrap(err, bcm, "export")
		}
	}

	if err := os.WriteFile(filepath.Join(dirPath, "direction"), []byte(dir), 0o644); err != nil {
		return nil, c.wrap(err, bcm, "direction")
	}
	return &sysfsLine{bcm: bcm, value: filepath.Join(dirPath, "value")}, nil
}

func (c *SysfsChip) wrap(err error, bcm int, op string) error {
	return errors.New(err).
		Component("gpio").
		Category(errors.CategoryGPIO).
		Context("line", bcm).
		Context("operation", op).
		Build()
}

// Close unexports the lines this chip exported.
func (c *SysfsChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, n := range c.exported {
		if err := os.WriteFile(filepath.Join(c.root, "unexport"), []byte(strconv.Itoa(n)), 0o644); err != nil {
			errs = append(errs, err)
		}
	}
	c.exported = nil
	return errors.Join(errs...)
}

func waitFor(path string, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for {
		_, err := os.Stat(path)
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type sysfsLine struct {
	bcm   int
	value string
}

func (l *sysfsLine) Read() (bool, error) {
	b, err := os.ReadFile(l.value)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(b)) == "1", nil
}

func (l *sysfsLine) Write(high bool) error {
	v := []byte("0")
	if high {
		v = []byte("1")
	}
	return os.WriteFile(l.value, v, 0o644)
}
