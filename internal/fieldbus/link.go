// Package fieldbus implements the request/response serial protocol shared by
// the LPR cameras and the sign board: framing, CRC16, the site tag trailer and
// bounded retries.
package fieldbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

// Link errors. Every failed attempt wraps one of these; errors.Is works on
// the value returned by Transact.
var (
	ErrTimeout   = errors.NewStd("fieldbus: no response within window")
	ErrChecksum  = errors.NewStd("fieldbus: crc mismatch")
	ErrMalformed = errors.NewStd("fieldbus: malformed frame")
	ErrMismatch  = errors.NewStd("fieldbus: echoed field mismatch")
	ErrExhausted = errors.NewStd("fieldbus: retries exhausted")
)

// LinkError describes a transaction that failed on every attempt.
type LinkError struct {
	Address  byte
	Function byte
	Attempts int
	Err      error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("device 0x%02X function 0x%02X: %v", e.Address, e.Function, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Transport is the byte stream under a Link. Flush discards anything pending
// in either direction.
type Transport interface {
	io.ReadWriter
	Flush() error
}

// Recorder receives per-transaction outcomes for metrics.
type Recorder interface {
	RecordTransaction(address, function byte, attempts int, elapsed time.Duration, err error)
	RecordAttemptFailure(address byte, reason string)
}

// Config holds link timing. RetryDelays[i] is slept after failed attempt i+1;
// the last entry repeats when Attempts exceeds the list.
type Config struct {
	SiteTag        SiteTag
	ResponseWindow time.Duration
	RetryDelays    []time.Duration
	Attempts       int
}

// DefaultConfig returns 3 attempts, 100/250/500 ms backoff, a 500 ms response
// window and site tag "7700".
func DefaultConfig() Config {
	return Config{
		SiteTag:        SiteTag{'7', '7', '0', '0'},
		ResponseWindow: 500 * time.Millisecond,
		RetryDelays:    []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond},
		Attempts:       3,
	}
}

// Link serializes transactions on one physical line.
type Link struct {
	mu       sync.Mutex
	port     Transport
	cfg      Config
	sleep    func(context.Context, time.Duration) error
	log      logger.Logger
	recorder Recorder
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the module logger.
func WithLogger(l logger.Logger) Option {
	return func(link *Link) { link.log = l }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(link *Link) { link.recorder = r }
}

// WithSleeper replaces the context-aware sleep used for the response window
// and retry delays.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(link *Link) { link.sleep = fn }
}

// NewLink creates a link over port.
func NewLink(port Transport, cfg Config, opts ...Option) *Link {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	l := &Link{
		port:  port,
		cfg:   cfg,
		sleep: Sleep,
		log:   logger.Global().Module("fieldbus"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Transact sends req and returns the validated reply, retrying up to the
// configured number of attempts. Exhaustion returns an error matching
// ErrExhausted that also carries the last attempt's cause.
func (l *Link) Transact(ctx context.Context, req Request) (Response, error) {
	if err := req.validate(); err != nil {
		return Response{}, errors.New(err).
			Component("fieldbus").
			Category(errors.CategoryValidation).
			DeviceContext(req.Address, req.Function).
			Build()
	}
	frame := req.Encode(l.cfg.SiteTag)

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= l.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		resp, err := l.attempt(ctx, req, frame)
		if err == nil {
			if attempt > 1 {
				l.log.Info("transaction recovered",
					logger.Hex("device", req.Address),
					logger.Hex("function", req.Function),
					logger.Int("attempt", attempt))
			}
			l.record(req, attempt, time.Since(start), nil)
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}

		lastErr = err
		if l.recorder != nil {
			l.recorder.RecordAttemptFailure(req.Address, failureReason(err))
		}
		l.log.Debug("transaction attempt failed",
			logger.Hex("device", req.Address),
			logger.Hex("function", req.Function),
			logger.Int("attempt", attempt),
			logger.Error(err))

		if attempt < l.cfg.Attempts {
			if err := l.sleep(ctx, l.retryDelay(attempt-1)); err != nil {
				return Response{}, err
			}
		}
	}

	linkErr := &LinkError{
		Address:  req.Address,
		Function: req.Function,
		Attempts: l.cfg.Attempts,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrExhausted, l.cfg.Attempts, lastErr),
	}
	l.record(req, l.cfg.Attempts, time.Since(start), linkErr)
	l.log.Warn("transaction failed",
		logger.Hex("device", req.Address),
		logger.Hex("function", req.Function),
		logger.Int("attempts", l.cfg.Attempts),
		logger.Error(lastErr))

	return Response{}, errors.New(linkErr).
		Component("fieldbus").
		Category(errors.CategoryRetry).
		DeviceContext(req.Address, req.Function).
		Context("attempts", l.cfg.Attempts).
		Build()
}

// ReadRegisters reads count holding registers starting at start.
func (l *Link) ReadRegisters(ctx context.Context, addr byte, start, count uint16) ([]uint16, error) {
	resp, err := l.Transact(ctx, ReadRequest(addr, start, count))
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// WriteRegisters writes values starting at start.
func (l *Link) WriteRegisters(ctx context.Context, addr byte, start uint16, values []uint16) error {
	_, err := l.Transact(ctx, WriteRequest(addr, start, values))
	return err
}

func (l *Link) attempt(ctx context.Context, req Request, frame []byte) (Response, error) {
	if err := l.port.Flush(); err != nil {
		return Response{}, fmt.Errorf("flush: %w", err)
	}
	if n, err := l.port.Write(frame); err != nil {
		return Response{}, fmt.Errorf("write: %w", err)
	} else if n != len(frame) {
		return Response{}, fmt.Errorf("%w: short write %d of %d", ErrMalformed, n, len(frame))
	}

	if err := l.sleep(ctx, l.cfg.ResponseWindow); err != nil {
		return Response{}, err
	}

	buf := make([]byte, req.expectedLen()+SiteTagLen)
	n := readAvailable(l.port, buf)
	return DecodeResponse(req, l.cfg.SiteTag, buf[:n])
}

// readAvailable reads until buf is full or the line goes quiet.
func readAvailable(r io.Reader, buf []byte) int {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if m == 0 || err != nil {
			break
		}
	}
	return n
}

func (l *Link) retryDelay(i int) time.Duration {
	if len(l.cfg.RetryDelays) == 0 {
		return 0
	}
	return l.cfg.RetryDelays[min(i, len(l.cfg.RetryDelays)-1)]
}

func (l *Link) record(req Request, attempts int, elapsed time.Duration, err error) {
	if l.recorder != nil {
		l.recorder.RecordTransaction(req.Address, req.Function, attempts, elapsed, err)
	}
}

func failureReason(err error) string {
	var exc *ExceptionError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.As(err, &exc):
		return "exception"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "io"
	}
}
