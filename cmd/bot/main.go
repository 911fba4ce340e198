// Command bot runs the Telegram report bot: it accepts reports from
// whitelisted operators, appends them to the ledger sheet and queues whatever
// cannot be delivered right away.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/app"
	"github.com/dharsanguruparan/FieldLedger/internal/auth"
	"github.com/dharsanguruparan/FieldLedger/internal/bot"
	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/delivery"
	"github.com/dharsanguruparan/FieldLedger/internal/enrich"
	"github.com/dharsanguruparan/FieldLedger/internal/ledger"
	"github.com/dharsanguruparan/FieldLedger/internal/logging"
	"github.com/dharsanguruparan/FieldLedger/internal/metrics"
	"github.com/dharsanguruparan/FieldLedger/internal/queue"
	"github.com/dharsanguruparan/FieldLedger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateBot(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	whitelist := auth.Load(cfg.WhitelistPath, logger)

	store, closeStore, err := app.OpenStore(ctx, cfg, app.WorkerID("bot"), logger)
	if err != nil {
		logger.WithError(err).Fatal("open queue")
	}
	defer closeStore()

	rdb := app.NewRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	locker := app.NewLocker(rdb, logger)

	// Records a crashed process left in processing go back to the queue
	// before any new traffic is accepted.
	if err := app.RecoverStale(ctx, store, locker, logger); err != nil {
		logger.WithError(err).Fatal("recover stale records")
	}

	sink, err := ledger.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("init ledger")
	}
	extractor := enrich.NewFromConfig(cfg, logger)
	if cfg.LLMAPIKey == "" {
		logger.Warn("LLM_API_KEY is not set; reports are stored without extracted fields")
	}

	deps := delivery.Deps{
		Gate:      whitelist,
		Extractor: extractor,
		Sink:      sink,
		Queue:     store,
		Locker:    locker,
		Location:  cfg.Timezone,
		Policy:    delivery.PolicyFromConfig(cfg.Drain),
		Logger:    logger,
	}
	if rdb != nil {
		client := app.NewAsynqClient(cfg)
		defer client.Close()
		deps.Scheduler = queue.NewScheduler(client, cfg.Drain.ScheduleDelay)
	}
	orchestrator := delivery.New(deps)

	if stats, err := store.Stats(ctx); err == nil {
		metrics.ObserveQueue(stats)
		logger.WithFields(logrus.Fields{"pending": stats.Pending(), "failed": stats.Failed}).Info("queue state")
		if stats.Queued > 0 && deps.Scheduler != nil {
			if err := deps.Scheduler.ScheduleDrain(ctx); err != nil {
				logger.WithError(err).Warn("schedule startup drain")
			}
		}
	}

	ops := server.New(cfg.OpsAddress, store, logger)
	go func() {
		if err := ops.Serve(ctx); err != nil {
			logger.WithError(err).Error("ops server stopped")
		}
	}()

	telegram, err := bot.NewTelegram(cfg.TelegramToken, logger)
	if err != nil {
		logger.WithError(err).Fatal("connect telegram")
	}
	logger.WithField("bot", telegram.Username()).Info("bot started")

	dispatcher := bot.NewDispatcher(orchestrator, telegram, store, cfg.IsAdmin, logger)
	dispatcher.Run(ctx, telegram.Messages(ctx))
	logger.Info("bot stopped")
}
