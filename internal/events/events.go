// Package events routes host lifecycle events to their handlers.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
)

// Type names a host lifecycle event.
type Type string

const (
	TypeUserRegistered Type = "user_registered"
	TypeOrderCreated   Type = "order_created"
	TypeOrderProcessed Type = "order_processed"
	TypeTick           Type = "tick"
)

var (
	// ErrUnknownEvent reports an event type without a registered handler.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrInvalidEvent reports an event missing the fields its type requires.
	ErrInvalidEvent = errors.New("invalid event")
)

// ParseType validates a raw event type.
func ParseType(raw string) (Type, error) {
	switch eventType := Type(strings.ToLower(strings.TrimSpace(raw))); eventType {
	case TypeUserRegistered, TypeOrderCreated, TypeOrderProcessed, TypeTick:
		return eventType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, raw)
	}
}

// Event is one host notification.
type Event struct {
	Type       Type
	UserID     ledger.UserID
	OrderID    string
	OccurredAt time.Time
}

// Validate checks the fields required by the event type.
func (event Event) Validate() error {
	switch event.Type {
	case TypeUserRegistered:
		if event.UserID.IsZero() {
			return fmt.Errorf("%w: %s requires a user id", ErrInvalidEvent, event.Type)
		}
	case TypeOrderCreated, TypeOrderProcessed:
		if strings.TrimSpace(event.OrderID) == "" {
			return fmt.Errorf("%w: %s requires an order id", ErrInvalidEvent, event.Type)
		}
	case TypeTick:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event.Type)
	}
	return nil
}

// Handler processes one event.
type Handler func(ctx context.Context, event Event) error

// Dispatcher routes events to the handlers registered for their type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Type][]Handler)}
}

// Register adds handler for eventType. Handlers run in registration order.
func (dispatcher *Dispatcher) Register(eventType Type, handler Handler) {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.handlers[eventType] = append(dispatcher.handlers[eventType], handler)
}

// Dispatch runs every handler registered for the event type. A failing
// handler does not stop the following ones; failures are joined.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	dispatcher.mu.RLock()
	handlers := append([]Handler(nil), dispatcher.handlers[event.Type]...)
	dispatcher.mu.RUnlock()
	if len(handlers) == 0 {
		return fmt.Errorf("%w: no handler for %s", ErrUnknownEvent, event.Type)
	}
	var failures []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", event.Type, err))
		}
	}
	return errors.Join(failures...)
}
