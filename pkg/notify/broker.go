package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// DefaultExchange is the topic exchange billing events are published to
const DefaultExchange = "renewal.billing.events"

// Publisher sends a payload to a message broker under a routing key
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// AMQPPublisher publishes to a RabbitMQ topic exchange
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *observability.Logger
}

// NewAMQPPublisher dials url and declares a durable topic exchange
func NewAMQPPublisher(url, exchange string, logger *observability.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.WithField("exchange", exchange).Info("RabbitMQ publisher connected")
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

// Publish sends a persistent JSON message
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// Close closes the channel and the connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Close(); err != nil {
		p.logger.WithError(err).Warn("error closing AMQP channel")
	}
	return p.conn.Close()
}

// BrokerNotifier publishes domain events with routing key billing.<type>
type BrokerNotifier struct {
	publisher Publisher
	metrics   *observability.Metrics
}

// NewBrokerNotifier wraps a publisher
func NewBrokerNotifier(publisher Publisher, metrics *observability.Metrics) *BrokerNotifier {
	return &BrokerNotifier{publisher: publisher, metrics: metrics}
}

// RoutingKey returns the routing key for an event type
func RoutingKey(t billing.EventType) string {
	return "billing." + string(t)
}

// Notify publishes event
func (b *BrokerNotifier) Notify(ctx context.Context, event billing.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = b.publisher.Publish(ctx, RoutingKey(event.Type), payload)
	b.metrics.RecordNotification("amqp", err)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Close closes the publisher
func (b *BrokerNotifier) Close() error {
	return b.publisher.Close()
}
