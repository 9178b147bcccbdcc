package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Регистрируются в реестре по умолчанию
// и отдаются на /metrics.
var (
	// RunsStarted — запущенные runs по flow.
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowline_runs_started_total",
		Help: "Flow runs started, by flow",
	}, []string{"flow"})

	// RunsExited — завершённые runs по типу выхода.
	RunsExited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowline_runs_exited_total",
		Help: "Flow runs exited, by exit type",
	}, []string{"exit_type"})

	// WebhookCalls — вызовы webhook по исходу (success, failure, error, skipped).
	WebhookCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowline_webhook_calls_total",
		Help: "Webhook calls, by outcome",
	}, []string{"outcome"})

	// WebhookDuration — длительность вызова webhook.
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowline_webhook_duration_seconds",
		Help:    "Webhook call duration",
		Buckets: prometheus.DefBuckets,
	})

	// MigrationsTotal — применённые шаги миграции по версии.
	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowline_migrations_total",
		Help: "Definition migration steps applied, by version",
	}, []string{"version"})

	// RuntimeCycles — прерванные из-за повторного входа в узел ходы.
	RuntimeCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowline_runtime_cycles_total",
		Help: "Turns aborted because a node was re-entered",
	})

	// ContactFailures — контакты, пропущенные при массовом запуске из-за ошибки.
	ContactFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowline_contact_failures_total",
		Help: "Contacts skipped during a batch start because of an error",
	})
)

// TimeoutsResumed — runs, продолжённые по таймауту ожидания.
var TimeoutsResumed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flowline_timeouts_resumed_total",
	Help: "Waiting runs resumed by a timeout rule",
})

// MQDeliveries — сообщения очередей по исходу (acked, requeued, dead_lettered).
var MQDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flowline_mq_deliveries_total",
	Help: "Queue deliveries, by queue and outcome",
}, []string{"queue", "outcome"})
