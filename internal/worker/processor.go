package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/delivery"
	"github.com/dharsanguruparan/FieldLedger/internal/metrics"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
	"github.com/dharsanguruparan/FieldLedger/internal/queue"
)

// Drainer runs one drain of the report queue.
type Drainer interface {
	Drain(ctx context.Context) (delivery.DrainResult, error)
}

// StatsSource reports queue counts after a drain.
type StatsSource interface {
	Stats(ctx context.Context) (model.QueueStats, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	drainer  Drainer
	stats    StatsSource
	followUp delivery.Scheduler
	log      *logrus.Entry
}

// NewProcessor constructs a worker processor. followUp may be nil; when set it
// is asked for another drain whenever records were released for a retry.
func NewProcessor(drainer Drainer, stats StatsSource, followUp delivery.Scheduler, logger *logrus.Logger) *Processor {
	return &Processor{
		drainer:  drainer,
		stats:    stats,
		followUp: followUp,
		log:      logger.WithField("component", "worker"),
	}
}

// Handler registers the drain task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DrainReportsTask, p.handleDrain)
	return mux
}

func (p *Processor) handleDrain(ctx context.Context, task *asynq.Task) error {
	var payload queue.DrainPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// A malformed payload will never parse; retrying is pointless.
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	entry := p.log.WithField("reason", payload.Reason)

	res, err := p.drainer.Drain(ctx)
	if err != nil {
		entry.WithError(err).Error("drain failed")
		return err
	}
	entry.WithFields(res.LogFields()).Info("drain finished")

	if p.stats != nil {
		if stats, err := p.stats.Stats(ctx); err == nil {
			metrics.ObserveQueue(stats)
		}
	}
	if res.Released > 0 && p.followUp != nil {
		if err := p.followUp.ScheduleDrain(ctx); err != nil {
			entry.WithError(err).Warn("schedule follow-up drain")
		}
	}
	return nil
}
