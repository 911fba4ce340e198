// Package model contains simple struct definitions shared across packages.
package model

// ReportStatus describes where a report stood when it was written to the
// ledger. "type X string" gives us a named type so a plain string cannot be
// passed by accident.
type ReportStatus string

const (
	ReportAccepted ReportStatus = "accepted"
	ReportQueued   ReportStatus = "queued"
)

// Identity is the chat user behind a submission. Handle is the username
// without the leading @ and may be empty.
type Identity struct {
	UserID int64  `json:"user_id"`
	Handle string `json:"handle"`
}

// Fields are the structured values extracted from the raw report text.
type Fields struct {
	WorkType string `json:"work_type"`
	Volume   string `json:"volume"`
	Comment  string `json:"comment"`
}

// Submission is an inbound chat message before it enters the pipeline.
// HasText is false for stickers, photos and other non-text messages.
type Submission struct {
	Identity  Identity
	ChatID    int64
	MessageID int
	Text      string
	HasText   bool
}

// Report is the enriched record delivered to the ledger. It is serialized as
// JSON into the durable queue payload, so field tags are part of the stored
// format.
type Report struct {
	SubmittedAtUTC   string       `json:"submitted_at_utc"`
	SubmittedAtLocal string       `json:"submitted_at_local"`
	Identity         Identity     `json:"identity"`
	ChatID           int64        `json:"chat_id"`
	MessageID        int          `json:"message_id"`
	RawText          string       `json:"raw_text"`
	Fields           Fields       `json:"fields"`
	Status           ReportStatus `json:"status"`
}
