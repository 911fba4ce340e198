// Package bot turns chat messages into pipeline submissions and operator
// commands. Messages are handled one at a time, in the order they arrive.
package bot

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/delivery"
	"github.com/dharsanguruparan/FieldLedger/internal/metrics"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// Operator-facing replies.
const (
	replyUnauthorized = "Вы не зарегистрированы для отправки данных. Обратитесь к ответственному за проект."
	replyInvalidInput = "Отправляйте, пожалуйста, только текстовые сообщения по ходу работ."
	replyDelivered    = "Сообщение принято — данные успешно зафиксированы ✅"
	replyQueued       = "Сервер временно недоступен — сообщение сохранено и будет отправлено позже 🕓"
	replySaveFailed   = "Не удалось сохранить сообщение. Пожалуйста, отправьте его ещё раз."
	replyStart        = "Здравствуйте! Отправляйте отчёты о ходе работ обычным текстовым сообщением.\n/whoami покажет ваш Telegram ID."
	replyAdminOnly    = "Команда доступна только администраторам."
	replyUnknown      = "Неизвестная команда. Доступны: /start, /whoami, /status."
	replyStatusFailed = "Bot status: OK\nQueued items: недоступно"
)

// Message is an inbound chat message. Command is set (without the slash) for
// anything that starts with "/"; such messages are never submitted as reports.
type Message struct {
	Submission model.Submission
	Command    string
}

// Replier sends text back to a chat.
type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

// Pipeline runs the delivery pipeline for one message and replays the queue.
type Pipeline interface {
	Submit(ctx context.Context, sub model.Submission) (delivery.Outcome, error)
	Drain(ctx context.Context) (delivery.DrainResult, error)
}

// StatsSource supplies queue counts for /status.
type StatsSource interface {
	Stats(ctx context.Context) (model.QueueStats, error)
}

// Dispatcher consumes Messages and replies to each.
type Dispatcher struct {
	pipeline Pipeline
	replier  Replier
	stats    StatsSource
	isAdmin  func(userID int64) bool
	log      *logrus.Entry
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(pipeline Pipeline, replier Replier, stats StatsSource, isAdmin func(int64) bool, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		pipeline: pipeline,
		replier:  replier,
		stats:    stats,
		isAdmin:  isAdmin,
		log:      logger.WithField("component", "bot"),
	}
}

// Run handles messages until ctx is cancelled or the channel closes. A message
// already being handled is finished on a context detached from ctx so an
// accepted report always reaches the ledger or the queue.
func (d *Dispatcher) Run(ctx context.Context, messages <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			d.Handle(context.WithoutCancel(ctx), msg)
		}
	}
}

// Handle processes a single message to completion. A delivered report is
// acknowledged before the queue backlog is drained.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) {
	sub := msg.Submission
	if msg.Command != "" {
		d.reply(ctx, sub.ChatID, d.command(ctx, msg))
		return
	}

	outcome, err := d.pipeline.Submit(ctx, sub)
	if err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"user_id":    sub.Identity.UserID,
			"message_id": sub.MessageID,
		}).Error("report could not be saved")
		d.reply(ctx, sub.ChatID, replySaveFailed)
		return
	}
	d.reply(ctx, sub.ChatID, outcomeReply(outcome))
	if outcome == delivery.OutcomeDelivered {
		d.drain(ctx)
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	res, err := d.pipeline.Drain(ctx)
	if err != nil {
		d.log.WithError(err).Error("drain after delivery")
		return
	}
	if res.Delivered > 0 || res.Recovered > 0 || res.Stopped {
		d.log.WithFields(res.LogFields()).Info("drained queue after delivery")
	}
}

func outcomeReply(outcome delivery.Outcome) string {
	switch outcome {
	case delivery.OutcomeUnauthorized:
		return replyUnauthorized
	case delivery.OutcomeInvalidInput:
		return replyInvalidInput
	case delivery.OutcomeDelivered:
		return replyDelivered
	case delivery.OutcomeQueued:
		return replyQueued
	default:
		return replySaveFailed
	}
}

func (d *Dispatcher) command(ctx context.Context, msg Message) string {
	id := msg.Submission.Identity
	switch msg.Command {
	case "start":
		return replyStart
	case "whoami":
		return whoami(id)
	case "status":
		if d.isAdmin == nil || !d.isAdmin(id.UserID) {
			return replyAdminOnly
		}
		stats, err := d.stats.Stats(ctx)
		if err != nil {
			d.log.WithError(err).Error("read queue stats")
			return replyStatusFailed
		}
		metrics.ObserveQueue(stats)
		return fmt.Sprintf("Bot status: OK\nQueued items: %d", stats.Pending())
	default:
		return replyUnknown
	}
}

func whoami(id model.Identity) string {
	if id.Handle == "" {
		return fmt.Sprintf("Ваш Telegram ID: %d\n(Username отсутствует)", id.UserID)
	}
	return fmt.Sprintf("Ваш Telegram ID: %d\nUsername: @%s", id.UserID, id.Handle)
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if err := d.replier.Reply(ctx, chatID, text); err != nil {
		d.log.WithError(err).WithField("chat_id", chatID).Warn("send reply")
	}
}
