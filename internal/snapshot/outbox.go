package snapshot

import (
	"slices"
	"sync"
)

// EventKind selects an outbox queue.
type EventKind int

const (
	KindEntry EventKind = iota
	KindExit
	KindPassage
	KindGatePass
	numKinds
)

// Outbox holds node events until the central acknowledges the report that
// carried them. Each kind has one wire slot, so only the head of each queue
// travels per exchange.
type Outbox struct {
	mu     sync.Mutex
	seq    int
	queues [numKinds][]Event
	limit  int
}

// NewOutbox creates an outbox keeping at most limit events per kind; older
// events are discarded first when a queue overflows.
func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: max(limit, 1)}
}

// Push queues ev and assigns its sequence number.
func (o *Outbox) Push(kind EventKind, ev Event) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	ev.Seq = o.seq
	q := append(o.queues[kind], ev)
	if len(q) > o.limit {
		q = q[len(q)-o.limit:]
	}
	o.queues[kind] = q
	return ev.Seq
}

// Fill copies the head of each queue into r and returns the sequence numbers
// sent.
func (o *Outbox) Fill(r *NodeReport) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var sent []int
	head := func(k EventKind) *Event {
		if len(o.queues[k]) == 0 {
			return nil
		}
		e := o.queues[k][0]
		sent = append(sent, e.Seq)
		return &e
	}
	r.Entry = head(KindEntry)
	r.Exit = head(KindExit)
	r.Passage = head(KindPassage)
	r.GatePass = head(KindGatePass)
	return sent
}

// Ack drops the given events once the central has echoed the highest of
// them.
func (o *Outbox) Ack(sent []int, echoed int) bool {
	if len(sent) == 0 {
		return true
	}
	if m := maxInt(sent); echoed != m {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	drop := make(map[int]bool, len(sent))
	for _, s := range sent {
		drop[s] = true
	}
	for k := range o.queues {
		if q := o.queues[k]; len(q) > 0 && drop[q[0].Seq] {
			o.queues[k] = q[1:]
		}
	}
	return true
}

// Rebase renumbers held events after base, keeping their order, and
// continues numbering from there. A restarted node calls it with the
// central's SeqBase so its events never reuse a sequence already seen.
func (o *Outbox) Rebase(base int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var held []*Event
	for k := range o.queues {
		for i := range o.queues[k] {
			held = append(held, &o.queues[k][i])
		}
	}
	slices.SortFunc(held, func(a, b *Event) int { return a.Seq - b.Seq })
	o.seq = max(base, 0)
	for _, e := range held {
		o.seq++
		e.Seq = o.seq
	}
}

// Pending counts held events.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, q := range o.queues {
		n += len(q)
	}
	return n
}

func maxInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		m = max(m, x)
	}
	return m
}
