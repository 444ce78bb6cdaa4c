// Package notification delivers audit alerts and table-full failures to the
// operator through shoutrrr services, rate limited per alert kind.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/parkctl/internal/events"
	"github.com/tphakala/parkctl/internal/logger"
)

// Recorder receives delivery metrics; *metrics.NotificationMetrics implements it.
type Recorder interface {
	RecordDelivery(kind string, err error)
	RecordThrottled(kind string)
}

// Notifier is an events.Consumer forwarding alerts to a Sender.
type Notifier struct {
	sender   Sender
	minGap   time.Duration
	timeout  time.Duration
	site     string
	now      func() time.Time
	recorder Recorder
	log      logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock replaces time.Now for rate limiting.
func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(n *Notifier) { n.recorder = r } }

// WithSite prefixes titles with a site name.
func WithSite(name string) Option { return func(n *Notifier) { n.site = name } }

// New creates a notifier allowing one message per alert kind every minGap.
func New(sender Sender, minGap, timeout time.Duration, opts ...Option) *Notifier {
	n := &Notifier{
		sender:   sender,
		minGap:   minGap,
		timeout:  timeout,
		now:      time.Now,
		log:      logger.Global().Module("notification"),
		limiters: make(map[string]*rate.Limiter),
	}
	if n.timeout <= 0 {
		n.timeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements events.Consumer.
func (n *Notifier) Name() string { return "notification" }

// ProcessEvent sends alerts and limit errors; other events are ignored.
func (n *Notifier) ProcessEvent(e events.Event) error {
	kind, ok := notifyKind(e)
	if !ok {
		return nil
	}
	if !n.allow(kind) {
		if n.recorder != nil {
			n.recorder.RecordThrottled(kind)
		}
		n.log.Debug("notification throttled", logger.String("kind", kind))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	err := n.sender.Send(ctx, n.title(kind), message(e))
	if n.recorder != nil {
		n.recorder.RecordDelivery(kind, err)
	}
	if err != nil {
		return fmt.Errorf("notify %s: %w", kind, err)
	}
	return nil
}

// notifyKind returns the rate-limit key for events worth a notification.
func notifyKind(e events.Event) (string, bool) {
	switch e.Kind {
	case events.KindAlert:
		if k, ok := e.Fields["alert_kind"].(string); ok && k != "" {
			return k, true
		}
		return string(events.KindAlert), true
	case events.KindError:
		if e.Fields["category"] == "limit" {
			return "TableFull", true
		}
	}
	return "", false
}

func (n *Notifier) allow(kind string) bool {
	if n.minGap <= 0 {
		return true
	}
	n.mu.Lock()
	lim, ok := n.limiters[kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.minGap), 1)
		n.limiters[kind] = lim
	}
	n.mu.Unlock()
	return lim.AllowN(n.now(), 1)
}

func (n *Notifier) title(kind string) string {
	if n.site != "" {
		return fmt.Sprintf("[%s] parking alert: %s", n.site, kind)
	}
	return "parking alert: " + kind
}

func message(e events.Event) string {
	var b strings.Builder
	b.WriteString(e.Detail)
	if e.Plate != "" {
		fmt.Fprintf(&b, "\nplate: %s", e.Plate)
	}
	if e.VehicleID != "" {
		fmt.Fprintf(&b, "\nvehicle: %s", e.VehicleID)
	}
	if e.Floor != 0 || e.Slot != 0 {
		fmt.Fprintf(&b, "\nfloor %d slot %d", e.Floor, e.Slot)
	}
	fmt.Fprintf(&b, "\nat %s", e.Time.Format(time.RFC3339))
	return b.String()
}
