package snapshot

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduper remembers applied events by (floor, kind, vehicle id, sequence) so
// a report re-sent after a lost reply is not counted twice.
type Deduper struct {
	seen *cache.Cache
}

// NewDeduper keeps keys for ttl.
func NewDeduper(ttl time.Duration) *Deduper {
	return &Deduper{seen: cache.New(ttl, 2*ttl)}
}

// First reports whether the event has not been seen and marks it seen.
func (d *Deduper) First(floor int, kind EventKind, e *Event) bool {
	key := fmt.Sprintf("%d/%d/%d/%d", floor, kind, e.VehicleID, e.Seq)
	return d.seen.Add(key, struct{}{}, cache.DefaultExpiration) == nil
}
