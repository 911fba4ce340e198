// Command worker drains the durable report queue when the bot schedules a
// drain task through Redis.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/app"
	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/delivery"
	"github.com/dharsanguruparan/FieldLedger/internal/ledger"
	"github.com/dharsanguruparan/FieldLedger/internal/logging"
	"github.com/dharsanguruparan/FieldLedger/internal/queue"
	"github.com/dharsanguruparan/FieldLedger/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if !cfg.RedisEnabled() {
		logger.Fatal("REDIS_ADDR is not set; the worker only runs drain tasks from Redis")
	}
	if cfg.QueueBackend == config.BackendMemory {
		logger.Fatal("QUEUE_BACKEND=memory cannot be shared with the bot; use postgres")
	}

	store, closeStore, err := app.OpenStore(ctx, cfg, app.WorkerID("worker"), logger)
	if err != nil {
		logger.WithError(err).Fatal("open queue")
	}
	defer closeStore()

	rdb := app.NewRedis(cfg)
	defer rdb.Close()
	locker := app.NewLocker(rdb, logger)

	sink, err := ledger.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("init ledger")
	}

	// Drain never consults the gate or the extractor, so they stay unset.
	orchestrator := delivery.New(delivery.Deps{
		Sink:     sink,
		Queue:    store,
		Locker:   locker,
		Location: cfg.Timezone,
		Policy:   delivery.PolicyFromConfig(cfg.Drain),
		Logger:   logger,
	})

	var followUp delivery.Scheduler
	if cfg.Drain.Policy == config.PolicyRetry {
		client := app.NewAsynqClient(cfg)
		defer client.Close()
		followUp = queue.NewFollowUpScheduler(client, cfg.Drain.ScheduleDelay)
	}

	srv := asynq.NewServer(app.RedisOpt(cfg), asynq.Config{
		// One drain at a time; the drain lock covers other processes.
		Concurrency: 1,
		Logger:      logger.WithField("component", "asynq"),
	})
	processor := worker.NewProcessor(orchestrator, store, followUp, logger)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	logger.Info("worker started")
	if err := srv.Run(processor.Handler()); err != nil {
		logger.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}
