// Package notify forwards booking events to a RabbitMQ topic exchange.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"homestay/internal/events"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange = "homestay.events"
	exchangeKind    = "topic"
	publishTimeout  = 5 * time.Second
)

// ForwardedEvents are the bus events published to the broker.
var ForwardedEvents = []string{
	events.EventBookingCreated,
	events.EventBookingConfirmed,
	events.EventBookingCancelled,
	events.EventPaymentConflict,
}

// Channel is the subset of *amqp.Channel the notifier uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Notifier struct {
	mu       sync.Mutex
	ch       Channel
	conn     *amqp.Connection
	exchange string
	logger   *zerolog.Logger
}

// Dial connects to the broker and declares the durable topic exchange.
func Dial(url, exchange string, logger *zerolog.Logger) (*Notifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}

	n := New(ch, exchange, logger)
	n.conn = conn
	return n, nil
}

func New(ch Channel, exchange string, logger *zerolog.Logger) *Notifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	l := logger.With().Str("component", "notifier").Str("exchange", exchange).Logger()
	return &Notifier{ch: ch, exchange: exchange, logger: &l}
}

// Attach subscribes the notifier to the bus. Delivery runs off the publisher's goroutine.
func (n *Notifier) Attach(bus *events.EventBus) {
	for _, eventType := range ForwardedEvents {
		bus.SubscribeAsync(eventType, n.Forward)
	}
}

// Forward publishes one event as a persistent JSON message.
func (n *Notifier) Forward(event *events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	key := RoutingKey(event.Type)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         event.Type,
		Timestamp:    event.CreatedAt.UTC(),
		Body:         event.Payload,
	}

	n.mu.Lock()
	err := n.ch.PublishWithContext(ctx, n.exchange, key, false, false, msg)
	n.mu.Unlock()
	if err != nil {
		n.logger.Error().Err(err).Str("routing_key", key).Msg("publish failed")
		return fmt.Errorf("publish %s: %w", key, err)
	}

	n.logger.Debug().Str("routing_key", key).Str("message_id", msg.MessageId).Msg("event published")
	return nil
}

// RoutingKey maps booking_confirmed to booking.confirmed.
func RoutingKey(eventType string) string {
	return strings.ReplaceAll(eventType, "_", ".")
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.ch.Close()
	if n.conn != nil {
		if cerr := n.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
