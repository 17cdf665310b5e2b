package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/models"
)

// Routing keys for domain events.
const (
	MessageCreated = "message.created"
	MessageUpdated = "message.updated"
)

// Envelope is the JSON body of every published event.
type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Payload       any    `json:"payload"`
}

// Publisher delivers domain events to downstream consumers (digests, push).
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

// NewPublisher connects to RabbitMQ and declares a topic exchange. An empty
// URL or any connection failure yields a noop publisher so the API keeps
// serving without a broker.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) Publisher {
	if amqpURL == "" {
		logger.Info("event publishing disabled: empty AMQP_URL")
		return Noop{}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Warn("event publishing disabled: dial failed", zap.Error(err))
		return Noop{}
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Warn("event publishing disabled: open channel failed", zap.Error(err))
		_ = conn.Close()
		return Noop{}
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		logger.Warn("event publishing disabled: declare exchange failed", zap.Error(err))
		_ = ch.Close()
		_ = conn.Close()
		return Noop{}
	}

	logger.Info("event publishing enabled", zap.String("exchange", exchange))
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}
}

type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(Envelope{
		SchemaVersion: 1,
		EventID:       uuid.NewString(),
		EventType:     routingKey,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close() error                               { return nil }

// MessagePayload is the body of message.* events. Content is left out;
// consumers that need it fetch it through the API.
type MessagePayload struct {
	MessageID      uuid.UUID  `json:"message_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       *uuid.UUID `json:"sender_id"`
	IsDeleted      bool       `json:"is_deleted"`
	CreatedAt      time.Time  `json:"created_at"`
}

func NewMessagePayload(m *models.Message) MessagePayload {
	return MessagePayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt,
	}
}
