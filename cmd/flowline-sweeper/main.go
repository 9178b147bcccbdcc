// Flowline Sweeper — периодическая проверка runs.
//
// Sweeper по cron-расписанию завершает runs с истёкшим сроком и
// продолжает runs, у которых сработал таймаут ожидания ответа.
// При нескольких репликах работает только лидер (pg_try_advisory_lock).
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
	"github.com/shaiso/Flowline/internal/scheduler"
	"github.com/shaiso/Flowline/internal/telemetry"
	"github.com/shaiso/Flowline/internal/webhook"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "flowline-sweeper",
		Short:         "Flowline sweeper: expires runs and fires wait timeouts",
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
	logger := telemetry.SetupLogger()
	logger.Info("starting flowline-sweeper", "schedule", cfg.SweepSchedule)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	flowRepo := repo.NewFlowRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	contactRepo := repo.NewContactRepo(pool)
	webhookRepo := repo.NewWebhookRepo(pool)

	locker, closeLocker := newLocker(ctx, cfg, logger)
	defer closeLocker()

	// RabbitMQ: только публикация исходящих сообщений
	var sender orchestrator.Sender
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, outgoing msgs stay queued", "error", err)
	} else {
		defer mqConn.Close()
		sender = mq.NewPublisher(mqConn, logger)
	}

	orch := orchestrator.New(orchestrator.Config{
		Flows:    flowRepo,
		Runs:     runRepo,
		Contacts: contactRepo,
		Msgs:     repo.NewMsgRepo(pool),
		Loader: orchestrator.NewFlowLoader(orchestrator.LoaderConfig{
			Flows:    flowRepo,
			Contacts: contactRepo,
			Locker:   locker,
			CacheTTL: cfg.FlowCacheTTL,
			Logger:   logger,
		}),
		Locker: locker,
		Webhooks: webhook.New(webhook.Config{
			Timeout:      cfg.WebhookTimeout,
			SendWebhooks: cfg.SendWebhooks,
			Results:      webhookRepo,
			Subscribers:  webhookRepo,
			Logger:       logger,
		}),
		Sender:       sender,
		PathMaxSteps: cfg.PathMaxSteps,
		Logger:       logger,
	})

	leader := scheduler.NewPGLeader(pool, scheduler.DefaultLockKey)
	defer leader.Release(context.Background())

	sweeper := scheduler.New(scheduler.Config{
		Engine:   orch,
		Runs:     runRepo,
		Leader:   leader,
		Schedule: cfg.SweepSchedule,
		Logger:   logger,
	})
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
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

	<-ctx.Done()

	sweeper.Stop()
	orch.Stop()
	logger.Info("flowline-sweeper stopped")
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

	return locks.NewRedis(locks.RedisConfig{
		Client: client,
		TTL:    cfg.LockTTL,
		Wait:   cfg.LockWait,
		Logger: logger,
	}), func() { client.Close() }
}
