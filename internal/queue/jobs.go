// Package queue defines the asynq task that triggers a drain of the durable
// report queue from outside the chat bot process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// DrainReportsTask is scheduled when a report lands in the durable queue.
	DrainReportsTask = "report:drain"

	// minUniqueWindow keeps bursts of queued reports down to one pending task.
	minUniqueWindow = time.Minute
)

// DrainPayload is serialized into the task payload. Reason only ends up in
// logs.
type DrainPayload struct {
	Reason string `json:"reason"`
}

// NewDrainTask builds a drain task.
func NewDrainTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(DrainPayload{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(DrainReportsTask, data), nil
}

// EnqueueDrain enqueues a drain task to run after delay. With unique set, a
// task with the same reason already waiting absorbs this one.
func EnqueueDrain(ctx context.Context, client *asynq.Client, delay time.Duration, reason string, unique bool) error {
	task, err := NewDrainTask(reason)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.ProcessIn(delay), asynq.MaxRetry(3)}
	if unique {
		opts = append(opts, asynq.Unique(uniqueWindow(delay)))
	}
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue drain task: %w", err)
	}
	return nil
}

func uniqueWindow(delay time.Duration) time.Duration {
	if w := 2 * delay; w > minUniqueWindow {
		return w
	}
	return minUniqueWindow
}

// Scheduler asks the worker binary for a drain a little later. It satisfies
// delivery.Scheduler.
type Scheduler struct {
	client *asynq.Client
	delay  time.Duration
	reason string
	unique bool
}

// NewScheduler builds the scheduler used after a report is queued.
func NewScheduler(client *asynq.Client, delay time.Duration) *Scheduler {
	return &Scheduler{client: client, delay: delay, reason: "queued", unique: true}
}

// NewFollowUpScheduler builds the scheduler the worker uses to come back for
// records released under the retry policy. Follow-ups are not unique because
// the task requesting them is still active.
func NewFollowUpScheduler(client *asynq.Client, delay time.Duration) *Scheduler {
	return &Scheduler{client: client, delay: delay, reason: "follow-up"}
}

// ScheduleDrain implements delivery.Scheduler.
func (s *Scheduler) ScheduleDrain(ctx context.Context) error {
	return EnqueueDrain(ctx, s.client, s.delay, s.reason, s.unique)
}
