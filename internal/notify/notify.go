// Package notify fans launch-engine events out to subscribers: WebSocket
// clients for the frontend and a RabbitMQ queue for downstream workers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types emitted by the ledger service.
const (
	EventLaunchCreated   = "launch.created"
	EventTradeExecuted   = "trade.executed"
	EventTokenGraduated  = "token.graduated"
	EventEscrowReleased  = "escrow.released"
	EventTokenRugged     = "token.rugged"
	EventRefundIssued    = "refund.issued"
)

// Event is one post-mutation snapshot pushed to subscribers.
type Event struct {
	Type      string `json:"type"`
	TokenMint string `json:"token_mint"`
	Payload   any    `json:"payload,omitempty"`
}

// Emitter delivers events. Emit must not block the mutation path; slow or
// failed delivery is logged and dropped.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans one event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

// Publisher emits events to a durable RabbitMQ queue.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewPublisher opens a channel on conn and declares the durable queue.
func NewPublisher(conn *amqp.Connection, queue string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &Publisher{conn: conn, channel: ch, queue: queue}, nil
}

func (p *Publisher) Emit(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	err = p.channel.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		slog.Error("amqp publish failed", "queue", p.queue, "type", ev.Type, "err", err)
	}
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
