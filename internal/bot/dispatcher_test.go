package bot

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/FieldLedger/internal/delivery"
	"github.com/dharsanguruparan/FieldLedger/internal/enrich"
	"github.com/dharsanguruparan/FieldLedger/internal/logging"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
	"github.com/dharsanguruparan/FieldLedger/internal/storage"
)

type sentReply struct {
	chatID int64
	text   string
}

type recordingReplier struct {
	replies []sentReply
}

func (r *recordingReplier) Reply(_ context.Context, chatID int64, text string) error {
	r.replies = append(r.replies, sentReply{chatID: chatID, text: text})
	return nil
}

type scriptedPipeline struct {
	outcome delivery.Outcome
	err     error
	got     []model.Submission
	drains  int
}

func (s *scriptedPipeline) Submit(_ context.Context, sub model.Submission) (delivery.Outcome, error) {
	s.got = append(s.got, sub)
	return s.outcome, s.err
}

func (s *scriptedPipeline) Drain(context.Context) (delivery.DrainResult, error) {
	s.drains++
	return delivery.DrainResult{}, nil
}

type staticStats struct {
	stats model.QueueStats
	err   error
}

func (s staticStats) Stats(context.Context) (model.QueueStats, error) { return s.stats, s.err }

func newTestDispatcher(sub *scriptedPipeline, stats StatsSource) (*Dispatcher, *recordingReplier) {
	replier := &recordingReplier{}
	isAdmin := func(id int64) bool { return id == 1 }
	return NewDispatcher(sub, replier, stats, isAdmin, logging.Discard()), replier
}

func textMessage(userID int64, handle, text string) Message {
	return Message{Submission: model.Submission{
		Identity:  model.Identity{UserID: userID, Handle: handle},
		ChatID:    100 + userID,
		MessageID: 5,
		Text:      text,
		HasText:   text != "",
	}}
}

func TestHandleReportRepliesByOutcome(t *testing.T) {
	tests := []struct {
		name      string
		outcome   delivery.Outcome
		err       error
		want      string
		wantDrain bool
	}{
		{name: "delivered", outcome: delivery.OutcomeDelivered, want: replyDelivered, wantDrain: true},
		{name: "queued", outcome: delivery.OutcomeQueued, want: replyQueued},
		{name: "unauthorized", outcome: delivery.OutcomeUnauthorized, want: replyUnauthorized},
		{name: "invalid input", outcome: delivery.OutcomeInvalidInput, want: replyInvalidInput},
		{name: "queue storage failure", err: errors.New("db down"), want: replySaveFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &scriptedPipeline{outcome: tt.outcome, err: tt.err}
			d, replier := newTestDispatcher(sub, staticStats{})

			d.Handle(context.Background(), textMessage(2, "foreman", "залили плиту"))

			require.Len(t, sub.got, 1)
			assert.Equal(t, "залили плиту", sub.got[0].Text)
			require.Len(t, replier.replies, 1)
			assert.Equal(t, sentReply{chatID: 102, text: tt.want}, replier.replies[0])
			assert.Equal(t, tt.wantDrain, sub.drains == 1)
		})
	}
}

func TestHandleCommands(t *testing.T) {
	stats := staticStats{stats: model.QueueStats{Queued: 2, Processing: 1, Done: 40, Failed: 3}}

	tests := []struct {
		name    string
		userID  int64
		handle  string
		command string
		stats   StatsSource
		want    string
	}{
		{name: "start", userID: 2, command: "start", want: replyStart},
		{name: "whoami with handle", userID: 2, handle: "foreman", command: "whoami", want: "Ваш Telegram ID: 2\nUsername: @foreman"},
		{name: "whoami without handle", userID: 3, command: "whoami", want: "Ваш Telegram ID: 3\n(Username отсутствует)"},
		{name: "status for admin", userID: 1, command: "status", stats: stats, want: "Bot status: OK\nQueued items: 3"},
		{name: "status for non-admin", userID: 2, command: "status", stats: stats, want: replyAdminOnly},
		{name: "status with broken store", userID: 1, command: "status", stats: staticStats{err: errors.New("down")}, want: replyStatusFailed},
		{name: "unknown command", userID: 2, command: "help", want: replyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &scriptedPipeline{}
			src := tt.stats
			if src == nil {
				src = staticStats{}
			}
			d, replier := newTestDispatcher(sub, src)
			msg := textMessage(tt.userID, tt.handle, "/"+tt.command)
			msg.Command = tt.command

			d.Handle(context.Background(), msg)

			assert.Empty(t, sub.got, "commands are never submitted as reports")
			assert.Zero(t, sub.drains)
			require.Len(t, replier.replies, 1)
			assert.Equal(t, tt.want, replier.replies[0].text)
		})
	}
}

// eventLog records ledger appends and chat replies in the order they happen.
type eventLog struct {
	events []string
	down   bool
}

func (e *eventLog) Append(_ context.Context, r model.Report) error {
	if e.down {
		return errors.New("ledger unavailable")
	}
	e.events = append(e.events, "append:"+r.RawText)
	return nil
}

func (e *eventLog) Reply(_ context.Context, _ int64, text string) error {
	e.events = append(e.events, "reply:"+text)
	return nil
}

type allowAll struct{}

func (allowAll) IsAllowed(int64, string) bool { return true }

type fallbackExtractor struct{}

func (fallbackExtractor) Extract(_ context.Context, raw string) enrich.Result {
	return enrich.Result{Fields: enrich.Fallback(raw)}
}

func TestHandleRepliesBeforeDrainingBacklog(t *testing.T) {
	ctx := context.Background()
	log := &eventLog{}
	q := storage.NewMemoryQueue("test")
	orch := delivery.New(delivery.Deps{
		Gate:      allowAll{},
		Extractor: fallbackExtractor{},
		Sink:      log,
		Queue:     q,
		Logger:    logging.Discard(),
	})
	d := NewDispatcher(orch, log, q, nil, logging.Discard())

	log.down = true
	d.Handle(ctx, textMessage(2, "", "backlog1"))
	d.Handle(ctx, textMessage(2, "", "backlog2"))
	log.down = false
	log.events = nil

	d.Handle(ctx, textMessage(2, "", "fresh"))

	assert.Equal(t, []string{
		"append:fresh",
		"reply:" + replyDelivered,
		"append:backlog1",
		"append:backlog2",
	}, log.events)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{Done: 2}, stats)
}

func TestRunProcessesInOrderAndStopsOnClose(t *testing.T) {
	sub := &scriptedPipeline{outcome: delivery.OutcomeDelivered}
	d, replier := newTestDispatcher(sub, staticStats{})

	messages := make(chan Message, 3)
	messages <- textMessage(2, "", "A")
	messages <- textMessage(2, "", "B")
	messages <- textMessage(2, "", "C")
	close(messages)

	d.Run(context.Background(), messages)

	require.Len(t, sub.got, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{sub.got[0].Text, sub.got[1].Text, sub.got[2].Text})
	assert.Len(t, replier.replies, 3)
}

func TestRunStopsOnCancel(t *testing.T) {
	d, _ := newTestDispatcher(&scriptedPipeline{}, staticStats{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx, make(chan Message))
		close(done)
	}()
	<-done
}

func TestFromTelegram(t *testing.T) {
	tests := []struct {
		name        string
		in          *tgbotapi.Message
		wantOK      bool
		wantCommand string
		wantHasText bool
	}{
		{name: "nil message", in: nil},
		{name: "no sender", in: &tgbotapi.Message{Text: "hi", Chat: &tgbotapi.Chat{ID: 1}}},
		{
			name:        "report text",
			in:          &tgbotapi.Message{MessageID: 3, Text: "кладка 10 м2", From: &tgbotapi.User{ID: 7, UserName: "Foreman"}, Chat: &tgbotapi.Chat{ID: 9}},
			wantOK:      true,
			wantHasText: true,
		},
		{
			name:   "sticker",
			in:     &tgbotapi.Message{MessageID: 4, From: &tgbotapi.User{ID: 7}, Chat: &tgbotapi.Chat{ID: 9}},
			wantOK: true,
		},
		{
			name: "command with bot suffix",
			in: &tgbotapi.Message{
				Text:     "/Status@field_bot",
				From:     &tgbotapi.User{ID: 7},
				Chat:     &tgbotapi.Chat{ID: 9},
				Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 17}},
			},
			wantOK:      true,
			wantCommand: "status",
			wantHasText: true,
		},
		{
			name:        "slash text without entity",
			in:          &tgbotapi.Message{Text: "/ отчёт", From: &tgbotapi.User{ID: 7}, Chat: &tgbotapi.Chat{ID: 9}},
			wantOK:      true,
			wantCommand: "/",
			wantHasText: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := FromTelegram(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantCommand, msg.Command)
			assert.Equal(t, tt.wantHasText, msg.Submission.HasText)
			assert.Equal(t, tt.in.From.ID, msg.Submission.Identity.UserID)
			assert.Equal(t, tt.in.From.UserName, msg.Submission.Identity.Handle)
			assert.Equal(t, tt.in.Chat.ID, msg.Submission.ChatID)
			assert.Equal(t, tt.in.MessageID, msg.Submission.MessageID)
		})
	}
}
