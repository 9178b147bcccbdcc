package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Flowline/internal/telemetry"
)

// Handler — функция обработки сообщения.
// Ошибка возвращает сообщение в очередь, повторная ошибка отправляет его в DLQ.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — входящее сообщение очереди.
type Delivery struct {
	// ID, Type, Timestamp — поля конверта.
	ID        string
	Type      MessageType
	Timestamp time.Time

	// Payload — полезная нагрузка без разбора.
	Payload json.RawMessage

	// Redelivered — сообщение уже доставлялось.
	Redelivered bool
}

// envelope — конверт сообщения при чтении из очереди.
type envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	types    map[MessageType]bool
	handler  Handler
	prefetch int
	timeout  time.Duration

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Types — принимаемые типы сообщений; остальные уходят в DLQ.
	// Пусто — принимаются все.
	Types []MessageType

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int

	// Timeout — ограничение на обработку одного сообщения. Default: без ограничения
	Timeout time.Duration
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	var types map[MessageType]bool
	if len(cfg.Types) > 0 {
		types = make(map[MessageType]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			types[t] = true
		}
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", string(cfg.Queue)),
		queue:    cfg.Queue,
		types:    types,
		handler:  cfg.Handler,
		prefetch: prefetch,
		timeout:  cfg.Timeout,
	}
}

// Start запускает потребление сообщений.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	// Запускаем основной цикл потребления
	return c.consume(ctx)
}

// consume — основной цикл потребления.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Получаем канал доставки
		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "error", err)
			// Ждём переподключения
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				c.logger.Info("reconnected, restarting consumer")
				continue
			}
		}

		c.logger.Info("consumer started", "prefetch", c.prefetch)

		// Обрабатываем сообщения
		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting")
			// Канал закрыт, ждём переподключения
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				continue
			}
		}
	}
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, errNoChannel
	}

	// Устанавливаем prefetch
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// Начинаем потребление
	deliveries, err := ch.Consume(
		string(c.queue), // queue
		"",              // consumer tag (auto-generated)
		false,           // auto-ack (мы ack вручную)
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение и подтверждает его.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	outcome := c.dispatch(ctx, raw)
	telemetry.MQDeliveries.WithLabelValues(string(c.queue), outcome).Inc()

	switch outcome {
	case deliveryAcked:
		raw.Ack(false)
	case deliveryRequeued:
		raw.Nack(false, true)
	default:
		raw.Nack(false, false)
	}
}

// Исходы обработки сообщения.
const (
	deliveryAcked      = "acked"
	deliveryRequeued   = "requeued"
	deliveryDeadLetter = "dead_lettered"
)

// dispatch разбирает конверт и вызывает обработчик.
func (c *Consumer) dispatch(ctx context.Context, raw amqp.Delivery) string {
	var env envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		return deliveryDeadLetter
	}

	logger := c.logger.With("message_id", env.ID, "type", env.Type)
	if c.types != nil && !c.types[env.Type] {
		logger.Error("unexpected message type")
		return deliveryDeadLetter
	}
	logger.Debug("received message", "redelivered", raw.Redelivered)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := c.handler(ctx, &Delivery{
		ID:          env.ID,
		Type:        env.Type,
		Timestamp:   env.Timestamp,
		Payload:     env.Payload,
		Redelivered: raw.Redelivered,
	})
	if err == nil {
		return deliveryAcked
	}

	// Повторная неудача — в DLQ, первая — обратно в очередь
	if raw.Redelivered {
		logger.Error("handler failed again, dead-lettering", "error", err)
		return deliveryDeadLetter
	}
	logger.Warn("handler failed, requeueing", "error", err)
	return deliveryRequeued
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload разбирает payload сообщения в указанный тип.
func ParsePayload[T any](d *Delivery) (T, error) {
	var result T
	if len(d.Payload) == 0 {
		return result, fmt.Errorf("%s: empty payload", d.Type)
	}
	if err := json.Unmarshal(d.Payload, &result); err != nil {
		return result, fmt.Errorf("unmarshal %s payload: %w", d.Type, err)
	}
	return result, nil
}
