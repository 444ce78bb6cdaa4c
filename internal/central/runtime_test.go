package central

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/datastore"
	"github.com/tphakala/parkctl/internal/snapshot"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	return &conf.Settings{
		Node: conf.NodeSettings{Name: "test", Role: conf.RoleCentral},
		Facility: conf.FacilitySettings{
			UnitRate: 0.15,
			Floors: []conf.FloorCapacity{
				{Floor: 0, PCD: 1, Elderly: 1, Regular: 2},
				{Floor: 1, PCD: 1, Elderly: 2, Regular: 5},
				{Floor: 2, PCD: 1, Elderly: 2, Regular: 5},
			},
		},
		Sync: conf.SyncSettings{
			Listen:   "127.0.0.1:0",
			Interval: 50 * time.Millisecond,
			Timeout:  time.Second,
			Cooldown: time.Second,
		},
		Ledger: conf.LedgerSettings{ConfidenceThreshold: 70, MaxTickets: 10, MaxAlerts: 10},
		Journal: conf.JournalSettings{
			Enabled: true,
			Driver:  datastore.DriverSQLite,
			Path:    filepath.Join(t.TempDir(), "journal.db"),
		},
	}
}

// lockedBuffer is written by the console goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLedgerConfigFromSettings(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	s.Facility.UnitRate = 0.25
	s.Facility.Floors = s.Facility.Floors[:2]
	cfg := LedgerConfig(s)
	assert.InDelta(t, 0.25, cfg.UnitRate, 1e-9)
	assert.Len(t, cfg.Floors, 2)
	assert.Equal(t, 10, cfg.MaxTickets)
	assert.Equal(t, 70, cfg.ConfidenceThreshold)
}

func TestRuntimeServesNodesAndConsole(t *testing.T) {
	rt, err := NewRuntime(testSettings(t))
	require.NoError(t, err)
	defer rt.Close()

	in, feed := io.Pipe()
	defer feed.Close()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background(), in, out) }()

	cl := snapshot.NewClient(0, snapshot.ClientConfig{Addr: rt.Server.Addr().String(), Timeout: time.Second})
	defer cl.Close()

	ctx := context.Background()
	cmd, err := cl.Exchange(ctx, snapshot.NodeReport{
		Floor:    0,
		GatePass: &snapshot.Event{Seq: 1, VehicleID: 1, Confidence: 95, Plate: "ABC1234"},
		Entry:    &snapshot.Event{Seq: 2, VehicleID: 1, Slot: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cmd.Ack)
	assert.Equal(t, 1, cmd.LastAdmittedID)
	assert.Len(t, cmd.Board, 13)

	_, err = io.WriteString(feed, "close\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rt.Service.Capacity().ForcedClosed }, time.Second, 10*time.Millisecond)

	cmd, err = cl.Exchange(ctx, snapshot.NodeReport{Floor: 1})
	require.NoError(t, err)
	assert.True(t, cmd.FacilityClosed)

	_, err = io.WriteString(feed, "quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after quit")
	}
	assert.Contains(t, out.String(), "facility closed")

	// the bus drains into the journal on close
	rt.Close()
	j, err := datastore.Open(rt.settings.Journal, nil)
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.ByKind(ctx, "entry", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ABC1234", entries[0].Plate)
}
