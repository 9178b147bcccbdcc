// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect с backoff, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий и исходящих сообщений
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - msg.received   — входящее сообщение контакта
//   - flow.start     — запуск flow для контактов и групп
//   - run.interrupt  — прерывание run
//   - msg.send       — исходящее сообщение на доставку
//
// Exchanges:
//   - flowline.events — входящие события движка
//   - flowline.msgs   — исходящие сообщения
//   - flowline.dlq    — dead letter queue
package mq
