// Package delivery moves accepted reports into the ledger. A report is
// appended directly when the ledger is reachable and parked in the durable
// queue otherwise; the drain loop later replays the queue in arrival order.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/enrich"
	"github.com/dharsanguruparan/FieldLedger/internal/ledger"
	"github.com/dharsanguruparan/FieldLedger/internal/metrics"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// TimestampLayout is RFC 3339 with a fixed microsecond fraction.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// Queue is the durable store the orchestrator parks undelivered reports in.
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	Lease(ctx context.Context, now time.Time) (*model.QueueRecord, error)
	Commit(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, reason string) error
	Release(ctx context.Context, id int64, retryAt time.Time, reason string) error
	RecoverStale(ctx context.Context) (int64, error)
}

// Gate decides who may submit reports.
type Gate interface {
	IsAllowed(userID int64, handle string) bool
}

// Scheduler asks for a drain at some later point.
type Scheduler interface {
	ScheduleDrain(ctx context.Context) error
}

// Clock returns the current time.
type Clock func() time.Time

// Outcome is what Submit did with a message.
type Outcome string

const (
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeInvalidInput Outcome = "invalid_input"
	OutcomeDelivered    Outcome = "delivered"
	OutcomeQueued       Outcome = "queued"
)

// DrainResult summarizes one drain run.
type DrainResult struct {
	// Skipped is set when another drain held the lock; nothing was touched.
	Skipped bool
	// Recovered counts records found in processing and put back in the queue.
	Recovered int
	// Delivered counts records appended and committed.
	Delivered int
	// Failed counts records dead-lettered after a sink error.
	Failed int
	// Released counts records put back for a later retry.
	Released int
	// Undecodable counts payloads that could not be read and were failed.
	Undecodable int
	// Stopped is set when the loop ended on a sink error rather than an
	// empty queue.
	Stopped bool
}

// Policy is the drain failure policy.
type Policy struct {
	Mode        config.DrainPolicy
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// PolicyFromConfig copies the DRAIN_* settings.
func PolicyFromConfig(dc config.DrainConfig) Policy {
	return Policy{
		Mode:        dc.Policy,
		MaxAttempts: dc.MaxAttempts,
		BaseBackoff: dc.BaseBackoff,
		MaxBackoff:  dc.MaxBackoff,
	}
}

// Backoff returns base * 2^(attempts-1), capped at MaxBackoff.
func (p Policy) Backoff(attempts int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Deps are the collaborators of an Orchestrator. Gate, Extractor, Sink and
// Queue are required; the rest have defaults.
type Deps struct {
	Gate      Gate
	Extractor enrich.Extractor
	Sink      ledger.Sink
	Queue     Queue
	Locker    Locker
	Scheduler Scheduler
	Clock     Clock
	Location  *time.Location
	Policy    Policy
	Logger    *logrus.Logger
}

// Orchestrator runs the submit and drain protocols.
type Orchestrator struct {
	gate      Gate
	extractor enrich.Extractor
	sink      ledger.Sink
	queue     Queue
	locker    Locker
	scheduler Scheduler
	clock     Clock
	loc       *time.Location
	policy    Policy
	log       *logrus.Entry
}

// New builds an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Policy.Mode == "" {
		d.Policy.Mode = config.PolicyDeadLetter
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		gate:      d.Gate,
		extractor: d.Extractor,
		sink:      d.Sink,
		queue:     d.Queue,
		locker:    d.Locker,
		scheduler: d.Scheduler,
		clock:     d.Clock,
		loc:       d.Location,
		policy:    d.Policy,
		log:       d.Logger.WithField("component", "delivery"),
	}
}

// Submit handles one inbound message. The returned error is non-nil only when
// the report could be neither delivered nor queued. Submit never drains; after
// a delivered outcome the caller acknowledges the user and then calls Drain.
func (o *Orchestrator) Submit(ctx context.Context, sub model.Submission) (Outcome, error) {
	entry := o.log.WithFields(logrus.Fields{
		"user_id":    sub.Identity.UserID,
		"handle":     sub.Identity.Handle,
		"chat_id":    sub.ChatID,
		"message_id": sub.MessageID,
	})

	if !o.gate.IsAllowed(sub.Identity.UserID, sub.Identity.Handle) {
		entry.Info("unauthorized submission rejected")
		metrics.Submissions.WithLabelValues(string(OutcomeUnauthorized)).Inc()
		return OutcomeUnauthorized, nil
	}
	if !sub.HasText || strings.TrimSpace(sub.Text) == "" {
		metrics.Submissions.WithLabelValues(string(OutcomeInvalidInput)).Inc()
		return OutcomeInvalidInput, nil
	}

	report := o.buildReport(ctx, sub, entry)

	appendErr := o.sink.Append(ctx, report)
	if appendErr == nil {
		metrics.LedgerAppends.WithLabelValues("direct", "ok").Inc()
		metrics.Submissions.WithLabelValues(string(OutcomeDelivered)).Inc()
		entry.Info("report delivered")
		return OutcomeDelivered, nil
	}
	metrics.LedgerAppends.WithLabelValues("direct", "error").Inc()
	entry.WithError(appendErr).Error("ledger append failed, queueing report")

	report.Status = model.ReportQueued
	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := o.queue.Push(ctx, payload); err != nil {
		return "", fmt.Errorf("queue report: %w", err)
	}
	metrics.Submissions.WithLabelValues(string(OutcomeQueued)).Inc()

	if o.scheduler != nil {
		if err := o.scheduler.ScheduleDrain(ctx); err != nil {
			entry.WithError(err).Warn("schedule drain")
		}
	}
	return OutcomeQueued, nil
}

func (o *Orchestrator) buildReport(ctx context.Context, sub model.Submission, entry *logrus.Entry) model.Report {
	at := o.clock()

	res := o.extractor.Extract(ctx, sub.Text)
	if res.Degraded() {
		metrics.Enrichments.WithLabelValues("fallback").Inc()
		entry.WithError(res.Err).Warn("enrichment failed, using fallback fields")
	} else {
		metrics.Enrichments.WithLabelValues("ok").Inc()
	}

	return model.Report{
		SubmittedAtUTC:   at.UTC().Format(TimestampLayout),
		SubmittedAtLocal: at.In(o.loc).Format(TimestampLayout),
		Identity:         sub.Identity,
		ChatID:           sub.ChatID,
		MessageID:        sub.MessageID,
		RawText:          sub.Text,
		Fields:           res.Fields,
		Status:           model.ReportAccepted,
	}
}

// Drain appends queued records in id order until the queue is empty or the
// sink fails once. Only one drain runs at a time; a concurrent call returns a
// skipped result. While the lock is held no record can be in flight, so any
// processing record was orphaned by a crash and is re-queued first.
func (o *Orchestrator) Drain(ctx context.Context) (DrainResult, error) {
	release, ok, err := o.locker.Acquire(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("acquire drain lock: %w", err)
	}
	if !ok {
		metrics.Drains.WithLabelValues("skipped").Inc()
		return DrainResult{Skipped: true}, nil
	}
	defer release()

	var res DrainResult
	recovered, err := o.queue.RecoverStale(ctx)
	if err != nil {
		return res, fmt.Errorf("recover stale records: %w", err)
	}
	if recovered > 0 {
		o.log.WithField("records", recovered).Warn("re-queued records left in processing")
		res.Recovered = int(recovered)
	}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := o.queue.Lease(ctx, o.clock())
		if err != nil {
			return res, fmt.Errorf("lease record: %w", err)
		}
		if rec == nil {
			break
		}
		entry := o.log.WithFields(logrus.Fields{"record_id": rec.ID, "attempts": rec.Attempts})

		var report model.Report
		if err := json.Unmarshal(rec.Payload, &report); err != nil {
			entry.WithError(err).Error("undecodable queue payload, failing record")
			if err := o.queue.Fail(ctx, rec.ID, "undecodable payload: "+err.Error()); err != nil {
				return res, fmt.Errorf("fail record %d: %w", rec.ID, err)
			}
			metrics.DrainRecords.WithLabelValues("undecodable").Inc()
			res.Undecodable++
			continue
		}

		if err := o.sink.Append(ctx, report); err != nil {
			metrics.LedgerAppends.WithLabelValues("drain", "error").Inc()
			res.Stopped = true
			if err := o.handleFailure(ctx, rec, err, &res, entry); err != nil {
				return res, err
			}
			break
		}
		metrics.LedgerAppends.WithLabelValues("drain", "ok").Inc()
		if err := o.queue.Commit(ctx, rec.ID); err != nil {
			return res, fmt.Errorf("commit record %d: %w", rec.ID, err)
		}
		metrics.DrainRecords.WithLabelValues("delivered").Inc()
		res.Delivered++
	}

	if res.Stopped {
		metrics.Drains.WithLabelValues("stopped").Inc()
	} else {
		metrics.Drains.WithLabelValues("completed").Inc()
	}
	return res, nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, rec *model.QueueRecord, cause error, res *DrainResult, entry *logrus.Entry) error {
	reason := cause.Error()
	if o.policy.Mode == config.PolicyRetry && rec.Attempts < o.policy.MaxAttempts {
		retryAt := o.clock().Add(o.policy.Backoff(rec.Attempts))
		entry.WithError(cause).WithField("retry_at", retryAt).Warn("ledger append failed, record released")
		if err := o.queue.Release(ctx, rec.ID, retryAt, reason); err != nil {
			return fmt.Errorf("release record %d: %w", rec.ID, err)
		}
		metrics.DrainRecords.WithLabelValues("released").Inc()
		res.Released++
		return nil
	}
	entry.WithError(cause).Error("ledger append failed, record dead-lettered")
	if err := o.queue.Fail(ctx, rec.ID, reason); err != nil {
		return fmt.Errorf("fail record %d: %w", rec.ID, err)
	}
	metrics.DrainRecords.WithLabelValues("failed").Inc()
	res.Failed++
	return nil
}

// LogFields renders a result for structured logs.
func (r DrainResult) LogFields() logrus.Fields {
	return logrus.Fields{
		"skipped":     r.Skipped,
		"recovered":   r.Recovered,
		"delivered":   r.Delivered,
		"failed":      r.Failed,
		"released":    r.Released,
		"undecodable": r.Undecodable,
		"stopped":     r.Stopped,
	}
}
