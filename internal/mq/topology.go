package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEvents Exchange = "flowline.events"
	ExchangeMsgs   Exchange = "flowline.msgs"
	ExchangeDLQ    Exchange = "flowline.dlq"
)

// Queues — имена очередей.
const (
	QueueMsgsIncoming  Queue = "msgs.incoming"
	QueueMsgsOutgoing  Queue = "msgs.outgoing"
	QueueFlowsStart    Queue = "flows.start"
	QueueRunsInterrupt Queue = "runs.interrupt"
	QueueDLQEvents     Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeyMsgReceived  RoutingKey = "msg.received"
	RoutingKeyMsgSend      RoutingKey = "msg.send"
	RoutingKeyFlowStart    RoutingKey = "flow.start"
	RoutingKeyRunInterrupt RoutingKey = "run.interrupt"
	RoutingKeyDLQEvents    RoutingKey = "events"
)

// SetupTopology объявляет обменники, очереди и привязки.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, "direct"},
		{ExchangeMsgs, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Входящие события, которые не удалось обработать, уходят в DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueMsgsIncoming, dlqArgs},
		{QueueFlowsStart, dlqArgs},
		{QueueRunsInterrupt, dlqArgs},

		// msgs.outgoing — читает сервис доставки
		{QueueMsgsOutgoing, nil},

		// dlq.events — сама DLQ очередь
		{QueueDLQEvents, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueMsgsIncoming, RoutingKeyMsgReceived, ExchangeEvents},
		{QueueFlowsStart, RoutingKeyFlowStart, ExchangeEvents},
		{QueueRunsInterrupt, RoutingKeyRunInterrupt, ExchangeEvents},
		{QueueMsgsOutgoing, RoutingKeyMsgSend, ExchangeMsgs},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Flowline RabbitMQ Topology:

    flowline.events (direct)
    ├── msgs.incoming [routing: msg.received]
    │       Consumer: Engine (HandleMessage)
    ├── flows.start [routing: flow.start]
    │       Consumer: Engine (FlowStart)
    └── runs.interrupt [routing: run.interrupt]
            Consumer: Engine (Interrupt)
            DLQ: dlq.events

    flowline.msgs (direct)
    └── msgs.outgoing [routing: msg.send]
            Consumer: delivery service

    flowline.dlq (direct)
    └── dlq.events [routing: events]
            Manual processing
  `
}
