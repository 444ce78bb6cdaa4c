// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct and reports every
// problem found, not just the first.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	check := func(errs []string) {
		ve.Errors = append(ve.Errors, errs...)
	}

	check(validateNode(settings))
	check(validateFacility(&settings.Facility))
	check(validateFieldBus(&settings.FieldBus))
	check(validateSync(&settings.Sync))
	check(validateLedger(&settings.Ledger))
	check(validateJournal(&settings.Journal))

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateNode(s *Settings) []string {
	var errs []string
	switch s.Node.Role {
	case RoleGround:
		if s.Node.Floor != 0 {
			errs = append(errs, "node.floor must be 0 for the ground role")
		}
	case RoleFloor:
		if s.Node.Floor < 1 {
			errs = append(errs, "node.floor must be 1 or higher for the floor role")
		}
	case RoleCentral:
	default:
		errs = append(errs, fmt.Sprintf("node.role %q must be one of ground, floor, central", s.Node.Role))
	}

	if s.Node.Role != RoleCentral {
		fc, ok := s.Facility.Floor(s.Node.Floor)
		if !ok {
			errs = append(errs, fmt.Sprintf("node.floor %d has no row in facility.floors", s.Node.Floor))
		} else if len(s.GPIO.Address) != fc.MuxLines {
			errs = append(errs, fmt.Sprintf("gpio.address has %d lines, floor %d needs %d", len(s.GPIO.Address), fc.MuxLines, fc.MuxLines))
		}
	}
	return errs
}

func validateFacility(f *FacilitySettings) []string {
	var errs []string
	if len(f.Floors) == 0 {
		errs = append(errs, "facility.floors must not be empty")
	}
	seen := map[int]bool{}
	for _, fc := range f.Floors {
		if seen[fc.Floor] {
			errs = append(errs, fmt.Sprintf("facility.floors lists floor %d twice", fc.Floor))
		}
		seen[fc.Floor] = true
		if fc.Slots() <= 0 {
			errs = append(errs, fmt.Sprintf("facility floor %d has no slots", fc.Floor))
		}
		// weights 1..N must be addressable through the mux lines
		if fc.Slots() > 1<<fc.MuxLines {
			errs = append(errs, fmt.Sprintf("facility floor %d has %d slots but only %d mux lines", fc.Floor, fc.Slots(), fc.MuxLines))
		}
		if fc.Slots() > 8 {
			errs = append(errs, fmt.Sprintf("facility floor %d exceeds 8 slots per snapshot", fc.Floor))
		}
	}
	if f.UnitRate < 0 {
		errs = append(errs, "facility.unitrate must not be negative")
	}
	return errs
}

func validateFieldBus(fb *FieldBusSettings) []string {
	if !fb.Enabled {
		return nil
	}
	var errs []string
	if len(fb.SiteTag) != 4 {
		errs = append(errs, fmt.Sprintf("fieldbus.sitetag must be exactly 4 bytes, got %q", fb.SiteTag))
	}
	if fb.Port == "" {
		errs = append(errs, "fieldbus.port is required")
	}
	if !slices.Contains([]int{9600, 19200, 38400, 57600, 115200}, fb.Baud) {
		errs = append(errs, fmt.Sprintf("fieldbus.baud %d is not supported", fb.Baud))
	}
	if len(fb.RetryDelays) == 0 {
		errs = append(errs, "fieldbus.retrydelays must list at least one delay")
	}
	if fb.ResponseWindow <= 0 {
		errs = append(errs, "fieldbus.responsewindow must be positive")
	}
	return errs
}

func validateSync(s *SyncSettings) []string {
	var errs []string
	for name, addr := range map[string]string{"sync.central": s.Central, "sync.listen": s.Listen} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("%s %q: %v", name, addr, err))
		}
	}
	if s.Interval <= 0 || s.Timeout <= 0 {
		errs = append(errs, "sync.interval and sync.timeout must be positive")
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		errs = append(errs, "sync.backoffmax must be at least sync.backoffinitial")
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, "sync.maxattempts must be at least 1")
	}
	return errs
}

func validateLedger(l *LedgerSettings) []string {
	var errs []string
	if l.ConfidenceThreshold < 0 || l.ConfidenceThreshold > 100 {
		errs = append(errs, "ledger.confidencethreshold must be within 0..100")
	}
	if l.MaxTickets < 1 || l.MaxTickets > 9999 {
		errs = append(errs, "ledger.maxtickets must be within 1..9999")
	}
	if l.MaxAlerts < 1 {
		errs = append(errs, "ledger.maxalerts must be positive")
	}
	return errs
}

func validateJournal(j *JournalSettings) []string {
	if !j.Enabled {
		return nil
	}
	switch strings.ToLower(j.Driver) {
	case "sqlite":
		if j.Path == "" {
			return []string{"journal.path is required for sqlite"}
		}
	case "mysql":
		if j.DSN == "" {
			return []string{"journal.dsn is required for mysql"}
		}
	default:
		return []string{fmt.Sprintf("journal.driver %q must be sqlite or mysql", j.Driver)}
	}
	return nil
}
