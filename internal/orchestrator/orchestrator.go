package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shaiso/Flowline/internal/locks"
	"github.com/shaiso/Flowline/internal/mq"
	"github.com/shaiso/Flowline/internal/webhook"
)

// Default configuration values.
const (
	defaultStartConcurrency = 8
	defaultExpireBatch      = 500
	defaultPrefetch         = 10
)

// Orchestrator исполняет runs.
//
// Orchestrator — центральный компонент движка, который:
//   - Запускает flows для групп и контактов
//   - Ведёт run по графу до ожидания ввода или завершения
//   - Возобновляет runs входящими сообщениями, таймаутами и завершением subflow
//   - Прерывает и истекает runs
//   - Потребляет входящие события из RabbitMQ (Start/Stop)
type Orchestrator struct {
	// Stores
	flows    FlowStore
	runs     RunStore
	contacts ContactStore
	msgs     MsgStore

	loader *FlowLoader
	locker locks.Locker

	// Collaborators
	webhooks  *webhook.Caller
	sender    Sender
	emailer   Emailer
	airtime   AirtimeTransferer
	shortener URLShortener

	// MQ
	conn      *mq.Connection
	consumers []*mq.Consumer

	// Configuration
	clock            func() time.Time
	random           func(n int) int
	pathMaxSteps     int
	startConcurrency int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Stores
	Flows    FlowStore
	Runs     RunStore
	Contacts ContactStore
	Msgs     MsgStore

	// Loader — загрузчик определений. По умолчанию создаётся из Flows и Contacts.
	Loader *FlowLoader

	// Locker — блокировки контактов и flows. Default: locks.Local
	Locker locks.Locker

	// Webhooks — вызовы webhook. Default: webhook.New без аудита
	Webhooks *webhook.Caller

	// Sender — доставка исходящих сообщений (может быть nil).
	Sender Sender

	// Emailer, Airtime, Shortener — необязательные коллабораторы действий.
	Emailer   Emailer
	Airtime   AirtimeTransferer
	Shortener URLShortener

	// Conn — соединение RabbitMQ для Start (может быть nil).
	Conn *mq.Connection

	// Clock — источник времени. Default: time.Now
	Clock func() time.Time

	// Random — выбор правила random rule set'а, возвращает [0, n). Default: math/rand/v2
	Random func(n int) int

	// PathMaxSteps — максимальная длина пути run. Default: 100
	PathMaxSteps int

	// StartConcurrency — число контактов, запускаемых параллельно. Default: 8
	StartConcurrency int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	locker := cfg.Locker
	if locker == nil {
		locker = locks.NewLocal(0)
	}

	loader := cfg.Loader
	if loader == nil {
		loader = NewFlowLoader(LoaderConfig{
			Flows:    cfg.Flows,
			Contacts: cfg.Contacts,
			Locker:   locker,
			Logger:   logger,
		})
	}

	webhooks := cfg.Webhooks
	if webhooks == nil {
		webhooks = webhook.New(webhook.Config{SendWebhooks: true, Logger: logger})
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	random := cfg.Random
	if random == nil {
		random = rand.IntN
	}

	pathMaxSteps := cfg.PathMaxSteps
	if pathMaxSteps <= 0 {
		pathMaxSteps = 100
	}

	startConcurrency := cfg.StartConcurrency
	if startConcurrency <= 0 {
		startConcurrency = defaultStartConcurrency
	}

	return &Orchestrator{
		flows:            cfg.Flows,
		runs:             cfg.Runs,
		contacts:         cfg.Contacts,
		msgs:             cfg.Msgs,
		loader:           loader,
		locker:           locker,
		webhooks:         webhooks,
		sender:           cfg.Sender,
		emailer:          cfg.Emailer,
		airtime:          cfg.Airtime,
		shortener:        cfg.Shortener,
		conn:             cfg.Conn,
		clock:            clock,
		random:           random,
		pathMaxSteps:     pathMaxSteps,
		startConcurrency: startConcurrency,
		logger:           logger,
	}
}

// Loader возвращает загрузчик определений.
func (o *Orchestrator) Loader() *FlowLoader {
	return o.loader
}

// Start запускает потребление входящих событий.
//
// Запускает consumers для:
//   - msgs.incoming — входящие сообщения (HandleMessage)
//   - flows.start — запуски flows (FlowStart)
//   - runs.interrupt — прерывания runs (Interrupt)
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.conn == nil {
		return errors.New("orchestrator: no mq connection")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"path_max_steps", o.pathMaxSteps,
		"start_concurrency", o.startConcurrency,
	)

	queues := []struct {
		queue   mq.Queue
		msgType mq.MessageType
		handler mq.Handler
	}{
		{mq.QueueMsgsIncoming, mq.MessageTypeMsgReceived, o.handleIncomingMsg},
		{mq.QueueFlowsStart, mq.MessageTypeFlowStart, o.handleFlowStart},
		{mq.QueueRunsInterrupt, mq.MessageTypeRunInterrupt, o.handleRunInterrupt},
	}

	for _, q := range queues {
		consumer := mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    q.queue,
			Types:    []mq.MessageType{q.msgType},
			Handler:  q.handler,
			Prefetch: defaultPrefetch,
		})
		o.consumers = append(o.consumers, consumer)

		o.wg.Add(1)
		go func(queue mq.Queue) {
			defer o.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("consumer error", "queue", queue, "error", err)
			}
		}(q.queue)
	}

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	for _, c := range o.consumers {
		c.Stop()
	}

	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}
