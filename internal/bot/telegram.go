package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

const pollTimeoutSeconds = 30

// Telegram is the long-polling transport.
type Telegram struct {
	api *tgbotapi.BotAPI
	log *logrus.Entry
}

// NewTelegram authenticates with the Bot API.
func NewTelegram(token string, logger *logrus.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Telegram{api: api, log: logger.WithField("component", "telegram")}, nil
}

// Username is the bot's own handle.
func (t *Telegram) Username() string {
	return t.api.Self.UserName
}

// Reply implements Replier.
func (t *Telegram) Reply(_ context.Context, chatID int64, text string) error {
	if _, err := t.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Messages streams inbound messages until ctx is cancelled. Updates without a
// message (edits, callbacks, channel posts) are dropped.
func (t *Telegram) Messages(ctx context.Context) <-chan Message {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := t.api.GetUpdatesChan(u)

	out := make(chan Message)
	go func() {
		defer close(out)
		defer t.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg, ok := FromTelegram(update.Message)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// FromTelegram converts a Bot API message. ok is false for messages without
// a sender.
func FromTelegram(m *tgbotapi.Message) (Message, bool) {
	if m == nil || m.From == nil || m.Chat == nil {
		return Message{}, false
	}
	msg := Message{
		Submission: model.Submission{
			Identity: model.Identity{
				UserID: m.From.ID,
				Handle: m.From.UserName,
			},
			ChatID:    m.Chat.ID,
			MessageID: m.MessageID,
			Text:      m.Text,
			HasText:   m.Text != "",
		},
	}
	if strings.HasPrefix(m.Text, "/") {
		msg.Command = commandName(m.Text)
	}
	return msg, true
}

// commandName extracts "status" from "/status@field_bot now".
func commandName(text string) string {
	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		// A bare "/" is still not a report.
		return "/"
	}
	return strings.ToLower(name)
}
