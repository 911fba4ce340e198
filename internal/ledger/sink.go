// Package ledger appends delivered reports to the external spreadsheet.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// Sink appends one report as one row. Any non-nil error means the row may not
// have been written and the caller should keep the report.
type Sink interface {
	Append(ctx context.Context, report model.Report) error
}

// Columns lists the header of the ledger sheet in row order.
var Columns = []string{
	"submitted_at_local",
	"user_id",
	"handle",
	"chat_id",
	"message_id",
	"raw_text",
	"work_type",
	"volume",
	"comment",
	"status",
}

// Row renders a report in the column order of Columns. Every cell is a string
// so the sheet never reinterprets ids as numbers.
func Row(r model.Report) []interface{} {
	return []interface{}{
		r.SubmittedAtLocal,
		strconv.FormatInt(r.Identity.UserID, 10),
		r.Identity.Handle,
		strconv.FormatInt(r.ChatID, 10),
		strconv.Itoa(r.MessageID),
		r.RawText,
		r.Fields.WorkType,
		r.Fields.Volume,
		r.Fields.Comment,
		string(r.Status),
	}
}

// SheetsSink writes rows with the Google Sheets v4 values.append call.
type SheetsSink struct {
	svc           *sheets.Service
	spreadsheetID string
	rng           string
	timeout       time.Duration
	log           *logrus.Entry
}

// SheetsConfig identifies the target sheet.
type SheetsConfig struct {
	SpreadsheetID string
	Range         string
	Timeout       time.Duration
}

// NewSheetsSink builds a sink. Client options carry credentials; tests pass an
// endpoint and option.WithoutAuthentication instead.
func NewSheetsSink(ctx context.Context, sc SheetsConfig, logger *logrus.Logger, opts ...option.ClientOption) (*SheetsSink, error) {
	if sc.SpreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init sheets service: %w", err)
	}
	if sc.Range == "" {
		sc.Range = "A:J"
	}
	if sc.Timeout <= 0 {
		sc.Timeout = 15 * time.Second
	}
	return &SheetsSink{
		svc:           svc,
		spreadsheetID: sc.SpreadsheetID,
		rng:           sc.Range,
		timeout:       sc.Timeout,
		log:           logger.WithField("component", "ledger"),
	}, nil
}

// NewFromConfig authenticates with the service account file named by
// GOOGLE_CREDENTIALS_JSON.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*SheetsSink, error) {
	return NewSheetsSink(ctx, SheetsConfig{
		SpreadsheetID: cfg.SpreadsheetID,
		Range:         cfg.LedgerRange,
		Timeout:       cfg.LedgerTimeout,
	}, logger,
		option.WithCredentialsFile(cfg.GoogleCredentials),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
}

// Append writes a single row. No idempotency key exists on the sheets API, so
// a request that succeeded remotely but timed out locally will be written
// again by a later drain.
func (s *SheetsSink) Append(ctx context.Context, report model.Report) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vr := &sheets.ValueRange{Values: [][]interface{}{Row(report)}}
	resp, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, s.rng, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	if resp.Updates != nil {
		s.log.WithFields(logrus.Fields{
			"range":   resp.Updates.UpdatedRange,
			"user_id": report.Identity.UserID,
		}).Debug("row appended")
	}
	return nil
}
