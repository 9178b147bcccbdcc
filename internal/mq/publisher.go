package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Flowline/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeMsgReceived  MessageType = "msg.received"
	MessageTypeMsgSend      MessageType = "msg.send"
	MessageTypeFlowStart    MessageType = "flow.start"
	MessageTypeRunInterrupt MessageType = "run.interrupt"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	clock  func() time.Time
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
		clock:  time.Now,
	}
}

// Message — конверт сообщения в очереди.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// MsgReceivedPayload — входящее сообщение контакта.
type MsgReceivedPayload struct {
	Msg domain.Msg `json:"msg"`
}

// MsgSendPayload — исходящее сообщение на доставку.
type MsgSendPayload struct {
	Msg domain.Msg `json:"msg"`
}

// FlowStartPayload — запрос запуска flow.
type FlowStartPayload struct {
	FlowID              uuid.UUID      `json:"flow_uuid"`
	Groups              []uuid.UUID    `json:"groups,omitempty"`
	Contacts            []uuid.UUID    `json:"contacts,omitempty"`
	RestartParticipants bool           `json:"restart_participants"`
	IncludeActive       bool           `json:"include_active"`
	Extra               map[string]any `json:"extra,omitempty"`
}

// RunInterruptPayload — запрос прерывания run.
type RunInterruptPayload struct {
	RunID uuid.UUID `json:"run_uuid"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: p.clock(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}

// Send передаёт исходящие сообщения на доставку, по одному publish на сообщение.
// Потребитель: сервис доставки.
//
// Send продолжает после ошибки и возвращает все ошибки вместе.
func (p *Publisher) Send(ctx context.Context, msgs []*domain.Msg) error {
	var errs []error
	for _, m := range msgs {
		err := p.PublishJSON(ctx, ExchangeMsgs, RoutingKeyMsgSend, MessageTypeMsgSend, MsgSendPayload{Msg: *m})
		if err != nil {
			errs = append(errs, fmt.Errorf("msg %s: %w", m.ID, err))
		}
	}
	return errors.Join(errs...)
}

// PublishMsgReceived публикует входящее сообщение.
// Потребитель: Engine.
func (p *Publisher) PublishMsgReceived(ctx context.Context, msg *domain.Msg) error {
	return p.PublishJSON(ctx, ExchangeEvents, RoutingKeyMsgReceived, MessageTypeMsgReceived, MsgReceivedPayload{Msg: *msg})
}

// PublishFlowStart публикует запрос запуска flow.
// Потребитель: Engine.
func (p *Publisher) PublishFlowStart(ctx context.Context, payload FlowStartPayload) error {
	return p.PublishJSON(ctx, ExchangeEvents, RoutingKeyFlowStart, MessageTypeFlowStart, payload)
}

// PublishRunInterrupt публикует запрос прерывания run.
// Потребитель: Engine.
func (p *Publisher) PublishRunInterrupt(ctx context.Context, runID uuid.UUID) error {
	return p.PublishJSON(ctx, ExchangeEvents, RoutingKeyRunInterrupt, MessageTypeRunInterrupt, RunInterruptPayload{RunID: runID})
}
