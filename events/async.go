// Package events provides connect.Publisher implementations: a buffered
// asynchronous wrapper, fan-out, and sinks for logs, Prometheus and Redis
// pub/sub.
package events

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fgrzl/connect"
	"go.uber.org/zap"
)

var (
	ErrBufferFull = errors.New("events: buffer full, event dropped")
	ErrClosed     = errors.New("events: publisher closed")
)

// Async hands events to another publisher from a background goroutine so
// that publishing never blocks a lifecycle operation. When the buffer is
// full the event is dropped and ErrBufferFull returned.
type Async struct {
	next   connect.Publisher
	logger *zap.Logger
	events chan connect.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts delivering to next with room for buffer pending events.
func NewAsync(next connect.Publisher, buffer int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 0 {
		buffer = 0
	}
	a := &Async{
		next:   next,
		logger: logger,
		events: make(chan connect.Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.events {
		if err := a.next.Publish(event); err != nil {
			a.logger.Warn("failed to deliver connection event",
				zap.String("kind", string(event.Kind)),
				zap.String("id", event.Connection.ID),
				zap.Error(err))
		}
	}
}

// Publish queues the event.
func (a *Async) Publish(event connect.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.events <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting events and waits for the queued ones to be delivered.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
