// Package console implements the operator command language used on the
// central's terminal and over the MQTT command topic.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/gate"
	"github.com/tphakala/parkctl/internal/ledger"
	"github.com/tphakala/parkctl/internal/occupancy"
)

// Operator is the central surface the console drives.
type Operator interface {
	Active() []ledger.Record
	Alerts(unresolved bool) []ledger.Alert
	Tickets(pending bool) []ledger.Ticket
	Capacity() ledger.Capacity
	Reconcile(ticketID int, plate string) (ledger.Ticket, ledger.Record, error)
	ResolveAlert(id int) (ledger.Alert, error)
	SetFacilityClosed(closed bool)
	SetFloorClosed(floor int, closed bool) error
	RequestGate(kind gate.Kind) error
	Now() time.Time
	UnitRate() float64
}

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.NewStd("console: quit")

// ErrUsage marks a malformed command line.
var ErrUsage = errors.NewStd("console: usage")

const help = `commands:
  list                         active vehicles with elapsed time and running fee
  alerts                       unresolved audit alerts
  tickets                      pending temporary tickets
  reconcile <ticket> <plate>   replace a ticket label with the real plate
  resolve <alert>              mark an alert handled
  open | close                 release or force the facility closure
  floor <n> open|close         enable or disable an upper floor
  gate entry|exit              open a gate for one vehicle
  quit`

// Command is an extra verb registered on a console; args exclude the verb.
type Command func(ctx context.Context, args []string) (string, error)

type extra struct {
	form string
	run  Command
}

// Console parses and executes command lines.
type Console struct {
	op     Operator
	extras map[string]extra
	forms  []string
}

// New creates a console over op.
func New(op Operator) *Console { return &Console{op: op, extras: make(map[string]extra)} }

// Register adds verb to the command language; form is its help line.
// Built-in verbs cannot be replaced. Register is not safe to call while
// the console runs.
func (c *Console) Register(verb, form string, run Command) {
	c.extras[verb] = extra{form: form, run: run}
	c.forms = append(c.forms, form)
}

// Execute runs one command line and returns its output.
func (c *Console) Execute(ctx context.Context, line string) (string, error) {
	f := strings.Fields(strings.ToLower(line))
	if len(f) == 0 {
		return "", nil
	}
	switch f[0] {
	case "help", "?":
		if len(c.forms) == 0 {
			return help, nil
		}
		return help + "\n  " + strings.Join(c.forms, "\n  "), nil
	case "quit", "exit":
		return "", ErrQuit
	case "list":
		return c.list(), nil
	case "alerts":
		return c.alerts(), nil
	case "tickets":
		return c.tickets(), nil
	case "reconcile":
		if len(f) != 3 {
			return "", usage("reconcile <ticket> <plate>")
		}
		id, err := parseID(f[1])
		if err != nil {
			return "", err
		}
		t, rec, err := c.op.Reconcile(id, f[2])
		if err != nil {
			return "", withListHint(err, "tickets")
		}
		return fmt.Sprintf("ticket %s reconciled to %s (floor %d slot %d, since %s)",
			t.Label, t.ReconciledPlate, rec.Floor, rec.Slot, rec.EntryTime.Format(time.TimeOnly)), nil
	case "resolve":
		if len(f) != 2 {
			return "", usage("resolve <alert>")
		}
		id, err := parseID(f[1])
		if err != nil {
			return "", err
		}
		a, err := c.op.ResolveAlert(id)
		if err != nil {
			return "", withListHint(err, "alerts")
		}
		return fmt.Sprintf("alert %d (%s) resolved", a.ID, a.Kind), nil
	case "open":
		c.op.SetFacilityClosed(false)
		return c.status(), nil
	case "close":
		c.op.SetFacilityClosed(true)
		return c.status(), nil
	case "floor":
		if len(f) != 3 || (f[2] != "open" && f[2] != "close") {
			return "", usage("floor <n> open|close")
		}
		n, err := strconv.Atoi(f[1])
		if err != nil {
			return "", usage("floor <n> open|close")
		}
		if err := c.op.SetFloorClosed(n, f[2] == "close"); err != nil {
			return "", err
		}
		return c.status(), nil
	case "gate":
		if len(f) != 2 {
			return "", usage("gate entry|exit")
		}
		kind := gate.Kind(f[1])
		if err := c.op.RequestGate(kind); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s gate will open on the next exchange", kind), nil
	}
	if x, ok := c.extras[f[0]]; ok {
		return x.run(ctx, f[1:])
	}
	return "", fmt.Errorf("%w: unknown command %q, try help", ErrUsage, f[0])
}

// Run reads lines from in until quit, EOF or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- sc.Err()
	}()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			res, err := c.Execute(ctx, line)
			switch {
			case errors.Is(err, ErrQuit):
				return nil
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			case res != "":
				fmt.Fprintln(out, res)
			}
			fmt.Fprint(out, "> ")
		}
	}
}

func (c *Console) list() string {
	recs := c.op.Active()
	if len(recs) == 0 {
		return "no vehicles parked"
	}
	now := c.op.Now()
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLATE\tFLOOR\tSLOT\tENTRY\tMINUTES\tFEE")
	for _, r := range recs {
		minutes, _, fee := occupancy.Fee(now.Sub(r.EntryTime), c.op.UnitRate())
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%.2f\n",
			r.Plate, r.Floor, r.Slot, r.EntryTime.Format(time.TimeOnly), minutes, fee)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) alerts() string {
	as := c.op.Alerts(true)
	if len(as) == 0 {
		return "no open alerts"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSUBJECT\tTIME\tREASON")
	for _, a := range as {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.Kind, a.PlateOrID, a.Timestamp.Format(time.TimeOnly), a.Reason)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) tickets() string {
	ts := c.op.Tickets(true)
	if len(ts) == 0 {
		return "no pending tickets"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tFLOOR\tSLOT\tCONFIDENCE\tISSUED")
	for _, t := range ts {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\n", t.ID, t.Label, t.Floor, t.Slot, t.Confidence, t.CreatedAt.Format(time.TimeOnly))
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) status() string {
	cp := c.op.Capacity()
	state := "open"
	if cp.FacilityClosed {
		state = "closed"
	}
	s := fmt.Sprintf("facility %s: %d/%d parked", state, cp.Active, cp.Capacity)
	if cp.ForcedClosed {
		s += ", closed by operator"
	}
	for floor := 1; floor <= 2; floor++ {
		if cp.FloorClosed[floor] {
			s += fmt.Sprintf(", floor %d closed", floor)
		}
	}
	return s
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: %q is not an id", ErrUsage, s)
	}
	return id, nil
}

func usage(form string) error { return fmt.Errorf("%w: %s", ErrUsage, form) }

// withListHint points the operator at the listing command when an id is
// unknown or already closed.
func withListHint(err error, list string) error {
	if errors.IsNotFound(err) {
		return fmt.Errorf("%w (open ones are listed by %q)", err, list)
	}
	return err
}
