package occupancy

// WeightSum is the scalar summary of an occupancy vector: the sum of the
// 1-based indices of occupied slots and their count.
type WeightSum struct {
	Sum   int
	Count int
}

// Weigh computes the weight sum of vec.
func Weigh(vec []bool) WeightSum {
	var w WeightSum
	for i, occ := range vec {
		if occ {
			w.Sum += i + 1
			w.Count++
		}
	}
	return w
}

// Direction of a slot transition.
type Direction int

const (
	NoChange Direction = iota
	Entered
	Vacated
)

func (d Direction) String() string {
	switch d {
	case Entered:
		return "entry"
	case Vacated:
		return "exit"
	default:
		return "none"
	}
}

// Transition is one slot changing state.
type Transition struct {
	Slot      int // 1-based
	Direction Direction
}

// InferFromDelta applies the weight-sum rule for a node with n slots:
// delta = prev - cur; 0 < delta < n+1 vacates slot delta, -(n+1) < delta < 0
// occupies slot -delta. It is exact only when one slot changed.
func InferFromDelta(prev, cur WeightSum, n int) (Transition, bool) {
	delta := prev.Sum - cur.Sum
	switch {
	case delta > 0 && delta < n+1:
		return Transition{Slot: delta, Direction: Vacated}, true
	case delta < 0 && delta > -(n+1):
		return Transition{Slot: -delta, Direction: Entered}, true
	default:
		return Transition{}, false
	}
}

// Diff compares two vectors element-wise.
func Diff(prev, cur []bool) []Transition {
	var out []Transition
	for i := range min(len(prev), len(cur)) {
		switch {
		case !prev[i] && cur[i]:
			out = append(out, Transition{Slot: i + 1, Direction: Entered})
		case prev[i] && !cur[i]:
			out = append(out, Transition{Slot: i + 1, Direction: Vacated})
		}
	}
	return out
}

// Reconcile returns the transitions to act on and whether the weight-sum
// inference disagreed with the element-wise diff. On disagreement the diff
// wins.
func Reconcile(prev, cur []bool) (transitions []Transition, aliased bool) {
	diff := Diff(prev, cur)
	inferred, ok := InferFromDelta(Weigh(prev), Weigh(cur), len(cur))

	switch {
	case len(diff) == 0:
		return nil, false
	case len(diff) == 1 && ok && diff[0] == inferred:
		return diff, false
	default:
		return diff, true
	}
}
