package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventBookingCreated   = "booking_created"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingCancelled = "booking_cancelled"
	EventPaymentConflict  = "payment_reconciliation_conflict"
)

// BookingEventPayload is the booking snapshot delivered to event consumers.
type BookingEventPayload struct {
	BookingID     int64     `json:"booking_id"`
	ListingID     int64     `json:"listing_id"`
	GuestID       int64     `json:"guest_id"`
	HostID        int64     `json:"host_id"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	CheckIn       time.Time `json:"check_in"`
	CheckOut      time.Time `json:"check_out"`
	Guests        int       `json:"guests"`
	TotalPrice    int64     `json:"total_price"`
	ChangedByID   int64     `json:"changed_by_id,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	wg          sync.WaitGroup

	// OnError, when set, receives handler failures.
	OnError func(event *Event, err error)
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler that runs synchronously inside Publish.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAsync registers a handler that runs on its own goroutine, so a slow
// or failing consumer never delays the publisher.
func (b *EventBus) SubscribeAsync(eventType string, handler EventHandler) {
	b.Subscribe(eventType, func(event *Event) error {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := handler(event); err != nil {
				b.reportError(event, err)
			}
		}()
		return nil
	})
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.reportError(event, err)
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

// Wait blocks until in-flight async handlers finish.
func (b *EventBus) Wait() {
	b.wg.Wait()
}

func (b *EventBus) reportError(event *Event, err error) {
	if b.OnError != nil {
		b.OnError(event, err)
	}
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
