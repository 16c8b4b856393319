package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events"
)

// MemoryEventBus implements EventBus with in-process delivery. Each
// subscriber owns a bounded queue drained by its own goroutine;
// publishers never block, and events that would overflow a slow
// subscriber's queue are dropped and counted.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queueSize     int
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	queue   chan *events.Event
	done    chan struct{}
	dropped int64
	active  bool
	mu      sync.Mutex
}

// Unsubscribe deactivates the subscription and stops its dispatcher.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}
	}
}

// NewMemoryEventBus creates an in-memory bus. queueSize bounds each
// subscriber's backlog.
func NewMemoryEventBus(queueSize int, log *logger.Logger) *MemoryEventBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queueSize:     queueSize,
		logger:        log,
	}
}

// Publish enqueues the event for every matching subscriber. A full
// subscriber queue drops the event for that subscriber only.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active || !matches(subject, pattern, sub.pattern) {
				continue
			}
			select {
			case sub.queue <- event:
			default:
				sub.mu.Lock()
				sub.dropped++
				dropped := sub.dropped
				sub.mu.Unlock()
				b.logger.Warn("Dropping event for slow subscriber",
					zap.String("subject", subject),
					zap.String("pattern", pattern),
					zap.Int64("dropped_total", dropped))
			}
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. NATS-style
// wildcards are supported: * matches one token, > matches the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan *events.Event, b.queueSize),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.dispatch()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			if sub.active {
				sub.active = false
				close(sub.done)
			}
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp; exact
// subjects return nil.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
