// Package errors provides centralized error handling with optional telemetry integration.
//
// Errors are built with a fluent builder so every failure carries the component,
// category and context (device address, floor, vehicle id) needed for later audit:
//
//	errors.New(err).
//		Component("fieldbus").
//		Category(errors.CategoryFieldBus).
//		Context("address", addr).
//		Build()
//
// Built errors are handed to the event bus and Sentry only while one of them is
// attached; otherwise Build is a plain allocation.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// ErrorCategory groups failures for alerting and telemetry.
type ErrorCategory string

const (
	CategoryFieldBus      ErrorCategory = "field-bus"
	CategoryChecksum      ErrorCategory = "checksum"
	CategoryCapture       ErrorCategory = "plate-capture"
	CategoryGPIO          ErrorCategory = "gpio"
	CategoryOccupancy     ErrorCategory = "occupancy"
	CategoryGate          ErrorCategory = "gate"
	CategorySync          ErrorCategory = "snapshot-sync"
	CategoryLedger        ErrorCategory = "ledger"
	CategoryValidation    ErrorCategory = "validation"
	CategoryNetwork       ErrorCategory = "network"
	CategoryDatabase      ErrorCategory = "database"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryMQTTConnect   ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish   ErrorCategory = "mqtt-publish"
	CategorySystem        ErrorCategory = "system-resource"
	CategoryGeneric       ErrorCategory = "generic"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryState         ErrorCategory = "state"
	CategoryLimit         ErrorCategory = "limit"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryRetry         ErrorCategory = "retry"
)

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

const (
	modulePath  = "github.com/tphakala/parkctl/internal/"
	selfPackage = modulePath + "errors"
)

// componentAliases renames package directories whose name is not the
// component name used in logs and telemetry.
var componentAliases = map[string]string{
	"conf": "configuration",
}

// hasActiveReporting is true while a telemetry reporter or event publisher is set.
var hasActiveReporting atomic.Bool

// EnhancedError wraps an error with the component, category and context it
// was raised with. Context is fixed once built.
type EnhancedError struct {
	Err       error
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time

	component string
	reported  atomic.Bool
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches other enhanced errors by category and falls through to the wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetComponent returns the component the error was attributed to.
func (ee *EnhancedError) GetComponent() string { return ee.component }

// GetCategory returns the category as a string.
func (ee *EnhancedError) GetCategory() string { return string(ee.Category) }

// GetContext returns a copy of the error context.
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

// GetTimestamp returns when the error was built.
func (ee *EnhancedError) GetTimestamp() time.Time { return ee.Timestamp }

// GetMessage returns the wrapped error's message.
func (ee *EnhancedError) GetMessage() string {
	if ee.Err == nil {
		return ""
	}
	return ee.Err.Error()
}

// MarkReported records that a sink has taken the error.
func (ee *EnhancedError) MarkReported() { ee.reported.Store(true) }

// IsReported reports whether a sink has already taken the error.
func (ee *EnhancedError) IsReported() bool { return ee.reported.Load() }

// ErrorBuilder accumulates metadata until Build.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts a builder around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts a builder around a formatted error.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component names the component; detected from the caller when left empty.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category.
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds one key to the error context.
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any, 4)
	}
	eb.context[key] = value
	return eb
}

// DeviceContext records the field-bus device address and function code.
func (eb *ErrorBuilder) DeviceContext(address, function byte) *ErrorBuilder {
	return eb.Context("device_address", fmt.Sprintf("0x%02X", address)).
		Context("function_code", fmt.Sprintf("0x%02X", function))
}

// VehicleContext records the floor and node-local vehicle id.
func (eb *ErrorBuilder) VehicleContext(floor, vehicleID int) *ErrorBuilder {
	return eb.Context("floor", floor).Context("vehicle_id", vehicleID)
}

// Timing records the failed operation and how long it ran. Telemetry uses
// the operation in the error title.
func (eb *ErrorBuilder) Timing(operation string, elapsed time.Duration) *ErrorBuilder {
	return eb.Context("operation", operation).Context("duration_ms", elapsed.Milliseconds())
}

// Build creates the EnhancedError. With no sink attached the component and
// category fall back to unknown and generic instead of walking the stack.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
		component: eb.component,
	}

	reporting := hasActiveReporting.Load()
	if ee.component == "" {
		ee.component = ComponentUnknown
		if reporting {
			ee.component = callerComponent()
		}
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
		if reporting {
			ee.Category = detectCategory(eb.err, ee.component)
		}
	}

	if reporting {
		reportToTelemetry(ee)
	}
	return ee
}

// callerComponent names the first parkctl package on the stack outside this one.
func callerComponent() string {
	pcs := make([]uintptr, 24)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for {
		frame, more := frames.Next()
		if component := componentOf(frame.Function); component != "" {
			return component
		}
		if !more {
			return ComponentUnknown
		}
	}
}

// componentOf maps a fully qualified function name to its component, or ""
// for functions outside the module's internal packages.
func componentOf(function string) string {
	if !strings.HasPrefix(function, modulePath) || strings.HasPrefix(function, selfPackage+".") {
		return ""
	}
	pkg := strings.TrimPrefix(function, modulePath)
	if i := strings.IndexAny(pkg, "/."); i > 0 {
		pkg = pkg[:i]
	}
	if alias, ok := componentAliases[pkg]; ok {
		return alias
	}
	return pkg
}

var messageCategories = []struct {
	needles  []string
	category ErrorCategory
}{
	{[]string{"crc", "checksum"}, CategoryChecksum},
	{[]string{"timeout", "deadline"}, CategoryTimeout},
	{[]string{"connection", "dial"}, CategoryNetwork},
	{[]string{"invalid", "mismatch"}, CategoryValidation},
	{[]string{"full"}, CategoryLimit},
}

var componentCategories = map[string]ErrorCategory{
	"fieldbus":      CategoryFieldBus,
	"devices":       CategoryFieldBus,
	"lpr":           CategoryCapture,
	"gpio":          CategoryGPIO,
	"gate":          CategoryGate,
	"occupancy":     CategoryOccupancy,
	"snapshot":      CategorySync,
	"ledger":        CategoryLedger,
	"datastore":     CategoryDatabase,
	"configuration": CategoryConfiguration,
}

// detectCategory takes the category of a wrapped enhanced error, then looks
// at the message, then falls back to the component's usual category.
func detectCategory(err error, component string) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	var inner *EnhancedError
	if stderrors.As(err, &inner) && inner.Category != "" {
		return inner.Category
	}

	msg := strings.ToLower(err.Error())
	for _, mc := range messageCategories {
		for _, needle := range mc.needles {
			if strings.Contains(msg, needle) {
				return mc.category
			}
		}
	}

	if c, ok := componentCategories[component]; ok {
		return c
	}
	return CategoryGeneric
}

// NewStd creates a plain sentinel error.
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory checks if an error is an EnhancedError with the specified category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound reports whether err is a lookup miss such as an unknown ticket
// or alert id.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
