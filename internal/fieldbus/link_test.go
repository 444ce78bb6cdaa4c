package fieldbus

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

var testTag = SiteTag{'7', '7', '0', '0'}

// scriptedPort replays one canned reply per written frame; nil means silence.
type scriptedPort struct {
	replies [][]byte
	writes  [][]byte
	flushes int
	pending []byte
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.writes = append(p.writes, append([]byte(nil), b...))
	if len(p.replies) > 0 {
		p.pending = p.replies[0]
		p.replies = p.replies[1:]
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) Flush() error {
	p.flushes++
	p.pending = nil
	return nil
}

type sleepLog struct{ slept []time.Duration }

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}

type countingRecorder struct {
	transactions int
	attempts     int
	failures     []string
	lastErr      error
}

func (r *countingRecorder) RecordTransaction(_, _ byte, attempts int, _ time.Duration, err error) {
	r.transactions++
	r.attempts = attempts
	r.lastErr = err
}

func (r *countingRecorder) RecordAttemptFailure(_ byte, reason string) {
	r.failures = append(r.failures, reason)
}

func newTestLink(t *testing.T, port Transport) (*Link, *sleepLog, *countingRecorder) {
	t.Helper()
	sl := &sleepLog{}
	rec := &countingRecorder{}
	link := NewLink(port, DefaultConfig(),
		WithSleeper(sl.sleep),
		WithRecorder(rec),
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)))
	return link, sl, rec
}

func readReply(addr byte, regs ...uint16) []byte {
	b := []byte{addr, FuncReadHolding, byte(2 * len(regs))}
	for _, r := range regs {
		b = binary.LittleEndian.AppendUint16(b, r)
	}
	return appendCRC(b)
}

func TestCRC16KnownVector(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint16(0x4B37), CRC16([]byte("123456789")))
	assert.Equal(t, CRC16([]byte("123456789")), CRC16([]byte("123456789")))
}

func TestCRC16DetectsSingleBitFlips(t *testing.T) {
	t.Parallel()

	frame := WriteRequest(0x20, 0, []uint16{1, 2, 3, 4, 5}).Encode(testTag)
	require.True(t, checkCRC(frame))

	for i := 0; i < len(frame)-2; i++ {
		for bit := range 8 {
			flipped := append([]byte(nil), frame...)
			flipped[i] ^= 1 << bit
			assert.False(t, checkCRC(flipped), "flip at byte %d bit %d went undetected", i, bit)
		}
	}
}

func TestEncodeReadRequestLayout(t *testing.T) {
	t.Parallel()

	frame := ReadRequest(0x11, 0x0102, 8).Encode(testTag)
	require.Len(t, frame, 12)
	assert.Equal(t, []byte{0x11, 0x03, 0x02, 0x01, 0x08, 0x00, '7', '7', '0', '0'}, frame[:10])
	crc := CRC16(frame[:10])
	assert.Equal(t, byte(crc), frame[10])
	assert.Equal(t, byte(crc>>8), frame[11])
}

func TestEncodeWriteRequestLayout(t *testing.T) {
	t.Parallel()

	frame := WriteRequest(0x11, 1, []uint16{0x0001}).Encode(testTag)
	assert.Equal(t, []byte{0x11, 0x10, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x00, '7', '7', '0', '0'}, frame[:13])
	assert.True(t, checkCRC(frame))
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	req := ReadRequest(0x11, 0, 2)
	plain := readReply(0x11, 7, 9)

	tagged := append([]byte{0x11, 0x03, 0x04, 7, 0, 9, 0}, testTag[:]...)
	tagged = appendCRC(tagged)

	wrongTag := append([]byte{0x11, 0x03, 0x04, 7, 0, 9, 0}, 'X', 'X', 'X', 'X')
	wrongTag = appendCRC(wrongTag)

	badCRC := append([]byte(nil), plain...)
	badCRC[3] ^= 0x01

	tests := []struct {
		name    string
		frame   []byte
		want    []uint16
		wantErr error
	}{
		{"plain", plain, []uint16{7, 9}, nil},
		{"echoed site tag", tagged, []uint16{7, 9}, nil},
		{"wrong echoed tag", wrongTag, nil, ErrMismatch},
		{"checksum", badCRC, nil, ErrChecksum},
		{"silence", nil, nil, ErrTimeout},
		{"other address", readReply(0x12, 7, 9), nil, ErrMismatch},
		{"short", plain[:6], nil, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := DecodeResponse(req, testTag, tt.frame)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Registers)
		})
	}
}

func TestDecodeException(t *testing.T) {
	t.Parallel()

	frame := appendCRC([]byte{0x20, 0x90, ExcIllegalAddress})
	_, err := DecodeResponse(WriteRequest(0x20, 0, []uint16{1}), testTag, frame)

	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExcIllegalAddress, exc.Code)
	assert.Equal(t, FuncWriteMultiple, exc.Function)
}

func TestTransactSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	port := &scriptedPort{replies: [][]byte{nil, nil, readReply(0x11, 2, 0)}}
	link, sl, rec := newTestLink(t, port)

	regs, err := link.ReadRegisters(t.Context(), 0x11, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2, 0}, regs)

	assert.Len(t, port.writes, 3)
	assert.Equal(t, 3, port.flushes)
	assert.Equal(t, 3, rec.attempts)
	assert.Equal(t, []string{"timeout", "timeout"}, rec.failures)

	// window, 100 ms, window, 250 ms, window
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, 100 * time.Millisecond,
		500 * time.Millisecond, 250 * time.Millisecond,
		500 * time.Millisecond,
	}, sl.slept)
}

func TestTransactExhaustsAfterThreeAttempts(t *testing.T) {
	t.Parallel()

	bad := readReply(0x11, 1, 1)
	bad[4] ^= 0xFF
	port := &scriptedPort{replies: [][]byte{nil, nil, bad, readReply(0x11, 1, 1)}}
	link, sl, rec := newTestLink(t, port)

	_, err := link.ReadRegisters(t.Context(), 0x11, 0, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, ErrChecksum, "last cause must be preserved")

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, 3, linkErr.Attempts)
	assert.Equal(t, byte(0x11), linkErr.Address)

	assert.Len(t, port.writes, 3, "no fourth attempt")
	// the 500 ms backoff entry is never slept with three attempts
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, 100 * time.Millisecond,
		500 * time.Millisecond, 250 * time.Millisecond,
		500 * time.Millisecond,
	}, sl.slept)
	assert.Equal(t, 1, rec.transactions)
	assert.True(t, errors.Is(rec.lastErr, ErrExhausted))
}

func TestTransactRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	port := &scriptedPort{}
	link, _, _ := newTestLink(t, port)

	err := link.WriteRegisters(t.Context(), 0x20, 0, nil)
	require.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, port.writes)
}

func TestTransactHonoursCancellation(t *testing.T) {
	t.Parallel()

	port := &scriptedPort{}
	link, _, _ := newTestLink(t, port)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := link.ReadRegisters(ctx, 0x11, 0, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, port.writes)
}

func TestSimBusRoundTrip(t *testing.T) {
	t.Parallel()

	bus := NewSimBus(testTag)
	block := NewRegisterBlock(13)
	bus.Attach(0x20, block)
	link, _, _ := newTestLink(t, bus)

	require.NoError(t, link.WriteRegisters(t.Context(), 0x20, 9, []uint16{3, 4, 5}))
	regs, err := link.ReadRegisters(t.Context(), 0x20, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 3, 4, 5}, regs)

	bus.EchoSiteTag(true)
	regs, err = link.ReadRegisters(t.Context(), 0x20, 9, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3}, regs)
}

func TestSimBusFaultsAreRetried(t *testing.T) {
	t.Parallel()

	bus := NewSimBus(testTag)
	block := NewRegisterBlock(8)
	block.Set(6, 88)
	bus.Attach(0x11, block)
	link, _, rec := newTestLink(t, bus)

	bus.DropReplies(1)
	bus.CorruptReplies(1)
	regs, err := link.ReadRegisters(t.Context(), 0x11, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{88}, regs)
	assert.Equal(t, []string{"timeout", "checksum"}, rec.failures)
}

func TestSimBusOutOfRangeIsException(t *testing.T) {
	t.Parallel()

	bus := NewSimBus(testTag)
	bus.Attach(0x11, NewRegisterBlock(8))
	link, _, rec := newTestLink(t, bus)

	_, err := link.ReadRegisters(t.Context(), 0x11, 6, 4)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExcIllegalAddress, exc.Code)
	assert.Equal(t, []string{"exception", "exception", "exception"}, rec.failures)
}
