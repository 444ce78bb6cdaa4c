package errors

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingPublisher struct{ n atomic.Int32 }

func (p *countingPublisher) TryPublish(any) bool {
	p.n.Add(1)
	return true
}

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)
	SetEventPublisher(nil)

	ee := New(fmt.Errorf("test error")).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}
	if ee.GetComponent() != ComponentUnknown {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}
	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestSentinelSurvivesWrapping(t *testing.T) {
	t.Parallel()

	sentinel := NewStd("ticket table full")
	ee := New(fmt.Errorf("admit: %w", sentinel)).
		Category(CategoryLimit).
		VehicleContext(1, 42).
		Build()

	if !Is(ee, sentinel) {
		t.Errorf("Expected wrapped sentinel to match")
	}
	if !IsCategory(ee, CategoryLimit) {
		t.Errorf("Expected limit category")
	}
	ctx := ee.GetContext()
	if ctx["floor"] != 1 || ctx["vehicle_id"] != 42 {
		t.Errorf("Unexpected context %v", ctx)
	}
}

func TestPublisherReceivesBuiltErrors(t *testing.T) {
	pub := &countingPublisher{}
	SetEventPublisher(pub)
	t.Cleanup(func() { SetEventPublisher(nil) })

	ee := New(fmt.Errorf("crc mismatch")).DeviceContext(0x11, 0x03).Build()

	if pub.n.Load() != 1 {
		t.Errorf("Expected one published error, got %d", pub.n.Load())
	}
	if ee.Category != CategoryChecksum {
		t.Errorf("Expected detected checksum category, got %s", ee.Category)
	}
	if ee.GetContext()["device_address"] != "0x11" {
		t.Errorf("Expected device address context, got %v", ee.GetContext())
	}
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	scrubbed := scrubMessage("exit ABC1234 posted to https://hook.example.com?token=abc password=hunter2")
	for _, leaked := range []string{"ABC1234", "token=abc", "hunter2"} {
		if strings.Contains(scrubbed, leaked) {
			t.Errorf("Scrubbing failed, %q still present in %s", leaked, scrubbed)
		}
	}
}

func TestComponentOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		function string
		want     string
	}{
		{"github.com/tphakala/parkctl/internal/fieldbus.(*Link).Transact", "fieldbus"},
		{"github.com/tphakala/parkctl/internal/snapshot.(*Client).Exchange.func1", "snapshot"},
		{"github.com/tphakala/parkctl/internal/conf.Load", "configuration"},
		{"github.com/tphakala/parkctl/internal/errors.(*ErrorBuilder).Build", ""},
		{"github.com/tphakala/parkctl/cmd.initialize", ""},
		{"main.main", ""},
	}
	for _, tt := range tests {
		if got := componentOf(tt.function); got != tt.want {
			t.Errorf("componentOf(%q) = %q, want %q", tt.function, got, tt.want)
		}
	}
}

func TestTimingTitlesTelemetry(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("read reply: i/o timeout")).
		Component("snapshot").
		Category(CategorySync).
		Timing("exchange", 1500*time.Millisecond).
		Build()

	ctx := ee.GetContext()
	if ctx["operation"] != "exchange" || ctx["duration_ms"] != int64(1500) {
		t.Errorf("Unexpected timing context %v", ctx)
	}
	if title := errorTitle(ee, ee.GetComponent()); title != "Snapshot Snapshot sync Exchange" {
		t.Errorf("Unexpected title %q", title)
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	miss := New(fmt.Errorf("ticket 9 not found")).Category(CategoryNotFound).Build()
	if !IsNotFound(fmt.Errorf("reconcile: %w", miss)) {
		t.Errorf("Expected wrapped not-found error to match")
	}
	if IsNotFound(NewStd("ticket 9 not found")) {
		t.Errorf("Plain errors carry no category")
	}
}
