package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/parkctl/internal/logger"
)

// Config holds event bus configuration
type Config struct {
	BufferSize int
	// Workers above one lose publish order across consumers.
	Workers int
	// DedupTTL suppresses repeats of the same error event inside the window.
	DedupTTL time.Duration
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize: 1024,
		Workers:    1,
		DedupTTL:   time.Minute,
	}
}

// Bus fans events out to registered consumers on worker goroutines.
type Bus struct {
	eventChan chan Event
	done      chan struct{}
	workers   int

	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.Mutex

	consumers []Consumer
	seen      *cache.Cache

	received   atomic.Uint64
	suppressed atomic.Uint64
	processed  atomic.Uint64
	dropped    atomic.Uint64
	errors     atomic.Uint64

	log logger.Logger
}

// New creates a bus; workers start on the first Subscribe.
func New(cfg Config, log logger.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logger.Global().Module("events")
	}
	b := &Bus{
		eventChan: make(chan Event, cfg.BufferSize),
		done:      make(chan struct{}),
		workers:   cfg.Workers,
		log:       log,
	}
	if cfg.DedupTTL > 0 {
		b.seen = cache.New(cfg.DedupTTL, 2*cfg.DedupTTL)
	}
	return b
}

// Subscribe adds a consumer. Names must be unique.
func (b *Bus) Subscribe(c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == c.Name() {
			return fmt.Errorf("consumer %s already registered", c.Name())
		}
	}
	b.consumers = append(b.consumers, c)
	b.log.Info("registered event consumer", logger.String("consumer", c.Name()))

	if len(b.consumers) == 1 {
		b.start()
	}
	return nil
}

// TryPublish queues e without blocking. It returns false when the bus is
// stopped, has no consumers or the buffer is full.
func (b *Bus) TryPublish(e Event) bool {
	if b == nil || !b.running.Load() {
		return false
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case b.eventChan <- e:
		b.received.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.log.Debug("event dropped due to full buffer", logger.String("kind", string(e.Kind)))
		return false
	}
}

// PublishError converts a built error into a KindError event, suppressing
// repeats of the same component, category and message within DedupTTL.
func (b *Bus) PublishError(ee ErrorEvent) bool {
	if b == nil || ee.IsReported() {
		return false
	}
	if b.seen != nil {
		key := ee.GetComponent() + "|" + ee.GetCategory() + "|" + ee.GetMessage()
		if err := b.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			b.suppressed.Add(1)
			return false
		}
	}
	fields := make(map[string]any, len(ee.GetContext())+2)
	for k, v := range ee.GetContext() {
		fields[k] = v
	}
	fields["component"] = ee.GetComponent()
	fields["category"] = ee.GetCategory()
	ok := b.TryPublish(Event{
		Kind:   KindError,
		Time:   ee.GetTimestamp(),
		Detail: ee.GetMessage(),
		Fields: fields,
	})
	if ok {
		ee.MarkReported()
	}
	return ok
}

func (b *Bus) start() {
	if b.running.Swap(true) {
		return
	}
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.eventChan:
			b.dispatch(e)
		case <-b.done:
			// drain what was accepted before the stop
			for {
				select {
				case e := <-b.eventChan:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, c := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.errors.Add(1)
					b.log.Error("consumer panicked",
						logger.String("consumer", c.Name()),
						logger.Any("panic", r),
						logger.String("kind", string(e.Kind)))
				}
			}()
			if err := c.ProcessEvent(e); err != nil {
				b.errors.Add(1)
				b.log.Error("consumer error",
					logger.String("consumer", c.Name()),
					logger.String("kind", string(e.Kind)),
					logger.Error(err))
				return
			}
			b.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting events, delivers what is buffered and waits for
// the workers up to timeout.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	started := b.running.Swap(false)
	b.mu.Unlock()
	if !started {
		return nil
	}
	close(b.done)

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.log.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.log.Warn("event bus shutdown timeout exceeded")
		return fmt.Errorf("event bus: shutdown timeout exceeded")
	}
}

// Stats returns current event bus statistics
func (b *Bus) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	return Stats{
		EventsReceived:   b.received.Load(),
		EventsSuppressed: b.suppressed.Load(),
		EventsProcessed:  b.processed.Load(),
		EventsDropped:    b.dropped.Load(),
		ConsumerErrors:   b.errors.Load(),
	}
}
