// Package errors - event bus integration
package errors

import (
	"sync/atomic"
)

// EventPublisher lets built errors reach the event bus without importing it.
type EventPublisher interface {
	TryPublish(event any) bool
}

var globalEventPublisher atomic.Pointer[EventPublisher]

// SetEventPublisher sets the global event publisher; nil detaches it.
func SetEventPublisher(publisher EventPublisher) {
	if publisher == nil {
		globalEventPublisher.Store(nil)
	} else {
		globalEventPublisher.Store(&publisher)
	}
	refreshReporting()
}

// publishToEventBus publishes an error to the event bus if available
func publishToEventBus(ee *EnhancedError) bool {
	publisherPtr := globalEventPublisher.Load()
	if publisherPtr == nil || *publisherPtr == nil {
		return false
	}
	return (*publisherPtr).TryPublish(ee)
}

// reportToTelemetry fans a built error out to the bus and the direct reporter.
func reportToTelemetry(ee *EnhancedError) {
	if !hasActiveReporting.Load() {
		return
	}
	publishToEventBus(ee)
	reportDirect(ee)
}

func refreshReporting() {
	active := globalEventPublisher.Load() != nil
	if r := GetTelemetryReporter(); r != nil && r.IsEnabled() {
		active = true
	}
	hasActiveReporting.Store(active)
}
