package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// RoutingKeyNotification is the routing key of mirrored notifications.
const RoutingKeyNotification = "relay.notification"

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Envelope is the JSON document published to the exchange.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// NotificationData is the payload of a mirrored notification.
type NotificationData struct {
	APIID int64  `json:"api_id"`
	Text  string `json:"text"`
}

// Publisher sends envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// AMQPPublisher publishes to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "amqp"),
	}, nil
}

// Publish sends env persistently under key.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	cid := env.Meta.CorrelationID
	if cid == "" {
		cid = env.Meta.ID
	}
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Timestamp:     env.Meta.CreatedAt,
		Body:          body,
	})
	if err == nil {
		p.logger.Debug("published", "key", key, "exchange", p.exchange)
	}
	return err
}

// Close closes the broker connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// Mirror republishes notifications as broker events.
type Mirror struct {
	pub Publisher
	now func() time.Time
}

// NewMirror creates a Mirror over pub.
func NewMirror(pub Publisher) *Mirror {
	return &Mirror{pub: pub, now: time.Now}
}

// Notify satisfies Notifier.
func (m *Mirror) Notify(ctx context.Context, apiID int64, text string) error {
	data, err := json.Marshal(NotificationData{APIID: apiID, Text: text})
	if err != nil {
		return err
	}
	env := Envelope{
		Meta: Meta{
			ID:        uuid.NewString(),
			Type:      RoutingKeyNotification,
			CreatedAt: m.now().UTC(),
		},
		Data: data,
	}
	if err := m.pub.Publish(ctx, RoutingKeyNotification, env); err != nil {
		return fmt.Errorf("mirror notification: %w", err)
	}
	return nil
}
