package events

// ErrorPublisher adapts the bus to the errors package publisher hook, which
// hands over built errors as any.
type ErrorPublisher struct {
	bus *Bus
}

// NewErrorPublisher wraps bus for errors.SetEventPublisher.
func NewErrorPublisher(bus *Bus) *ErrorPublisher {
	return &ErrorPublisher{bus: bus}
}

// TryPublish forwards values implementing ErrorEvent and ignores the rest.
func (p *ErrorPublisher) TryPublish(event any) bool {
	ee, ok := event.(ErrorEvent)
	if !ok || p.bus == nil {
		return false
	}
	return p.bus.PublishError(ee)
}
