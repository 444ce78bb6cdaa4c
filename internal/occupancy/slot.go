// Package occupancy turns multiplexed slot sensor scans into entry and exit
// events. Transitions are inferred from the weighted sum of occupied slot
// indices and cross-checked against an element-wise diff of the vector.
package occupancy

import (
	"math"
	"time"
)

// Category is the reserved use of a slot.
type Category int

const (
	CategoryPCD Category = iota
	CategoryElderly
	CategoryRegular
)

func (c Category) String() string {
	switch c {
	case CategoryPCD:
		return "pcd"
	case CategoryElderly:
		return "elderly"
	default:
		return "regular"
	}
}

// Layout assigns categories to slots in index order: PCD slots first, then
// elderly, then regular.
func Layout(pcd, elderly, regular int) []Category {
	cats := make([]Category, 0, pcd+elderly+regular)
	for range pcd {
		cats = append(cats, CategoryPCD)
	}
	for range elderly {
		cats = append(cats, CategoryElderly)
	}
	for range regular {
		cats = append(cats, CategoryRegular)
	}
	return cats
}

// Slot is one parking space on this node.
type Slot struct {
	Index      int // 1-based, doubles as the slot's weight
	Category   Category
	Occupied   bool
	OccupantID int
	EntryTime  time.Time
	ExitTime   time.Time
	Plate      string
	Confidence int
}

// Available counts vacant slots per category.
type Available struct {
	PCD     int
	Elderly int
	Regular int
}

// Total is the sum over categories.
func (a Available) Total() int { return a.PCD + a.Elderly + a.Regular }

// BilledMinutes rounds elapsed up to whole minutes with a minimum of one.
func BilledMinutes(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 1
	}
	return max(int((elapsed+time.Minute-1)/time.Minute), 1)
}

// RateCents converts a per-minute rate in currency units to cents.
func RateCents(unitRate float64) int {
	return int(math.Round(unitRate * 100))
}

// Fee returns billed minutes, the fee in cents and the fee in currency units.
// Working in cents keeps 4 × 0.15 equal to 0.60.
func Fee(elapsed time.Duration, unitRate float64) (minutes, cents int, amount float64) {
	minutes = BilledMinutes(elapsed)
	cents = minutes * RateCents(unitRate)
	return minutes, cents, float64(cents) / 100
}
