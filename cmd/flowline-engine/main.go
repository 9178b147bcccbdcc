// Flowline Engine — исполняет runs.
//
// Engine:
//   - Потребляет входящие сообщения, запросы запуска и прерывания из RabbitMQ
//   - Мигрирует устаревшие определения при загрузке
//   - Ведёт runs по графу и публикует исходящие сообщения
//   - Отдаёт /healthz и /metrics
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaiso/Flowline/internal/config"
	"github.com/shaiso/Flowline/internal/locks"
	"github.com/shaiso/Flowline/internal/mq"
	"github.com/shaiso/Flowline/internal/orchestrator"
	"github.com/shaiso/Flowline/internal/repo"
	"github.com/shaiso/Flowline/internal/telemetry"
	"github.com/shaiso/Flowline/internal/webhook"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "flowline-engine",
		Short:         "Flowline engine: runs flows for contacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting flowline-engine")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("database connected")

	// Создаём репозитории
	flowRepo := repo.NewFlowRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	contactRepo := repo.NewContactRepo(pool)
	msgRepo := repo.NewMsgRepo(pool)
	webhookRepo := repo.NewWebhookRepo(pool)

	// Блокировки: Redis при нескольких репликах, иначе в процессе
	locker, closeLocker := newLocker(ctx, cfg, logger)
	defer closeLocker()

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	// Создаём топологию
	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}
	publisher := mq.NewPublisher(mqConn, logger)

	// Создаём orchestrator
	loader := orchestrator.NewFlowLoader(orchestrator.LoaderConfig{
		Flows:    flowRepo,
		Contacts: contactRepo,
		Locker:   locker,
		CacheTTL: cfg.FlowCacheTTL,
		Logger:   logger,
	})
	orch := orchestrator.New(orchestrator.Config{
		Flows:    flowRepo,
		Runs:     runRepo,
		Contacts: contactRepo,
		Msgs:     msgRepo,
		Loader:   loader,
		Locker:   locker,
		Webhooks: webhook.New(webhook.Config{
			Timeout:      cfg.WebhookTimeout,
			SendWebhooks: cfg.SendWebhooks,
			Results:      webhookRepo,
			Subscribers:  webhookRepo,
			Logger:       logger,
		}),
		Sender:           publisher,
		Conn:             mqConn,
		PathMaxSteps:     cfg.PathMaxSteps,
		StartConcurrency: cfg.StartConcurrency,
		Logger:           logger,
	})

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.Info("listening", "addr", cfg.Addr())
		if err := http.ListenAndServe(cfg.Addr(), mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем orchestrator
	orch.Stop()
	logger.Info("flowline-engine stopped")
	return nil
}

// newLocker выбирает реализацию блокировок по конфигурации.
func newLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (locks.Locker, func()) {
	if cfg.RedisURL == "" {
		return locks.NewLocal(cfg.LockWait), func() {}
	}

	client, err := locks.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis not available, using in-process locks", "error", err)
		return locks.NewLocal(cfg.LockWait), func() {}
	}
	logger.Info("Redis connected")

	locker := locks.NewRedis(locks.RedisConfig{
		Client: client,
		TTL:    cfg.LockTTL,
		Wait:   cfg.LockWait,
		Logger: logger,
	})
	return locker, func() { client.Close() }
}
