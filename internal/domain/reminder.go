package domain

import (
	"database/sql"
	"time"
)

type Reminder struct {
	ID                string
	PageID            string
	Email             string
	RemindAt          time.Time
	NextAttemptAt     time.Time
	AttemptCount      int
	EmailSentAt       sql.NullTime
	WhatsAppPhoneE164 sql.NullString
	WhatsAppOptInAt   sql.NullTime
	WhatsAppOptOutAt  sql.NullTime
	WhatsAppSentAt    sql.NullTime
	WhatsAppMessageID sql.NullString
	SentAt            sql.NullTime
}

// DueReminder is a reminder joined with the page fields its templates need.
type DueReminder struct {
	Reminder
	ChildName       string
	GiftName        string
	Slug            string
	PageStatus      PageStatus
	CampaignEndDate sql.NullTime
	PartyDate       sql.NullTime
}

// WhatsAppEligible reports whether the contact consented to the channel.
func (r DueReminder) WhatsAppEligible() bool {
	return r.WhatsAppPhoneE164.Valid && r.WhatsAppPhoneE164.String != "" &&
		r.WhatsAppOptInAt.Valid && !r.WhatsAppOptOutAt.Valid
}

type ReminderOutcome string

const (
	OutcomeSent             ReminderOutcome = "sent"
	OutcomeRetryableFailure ReminderOutcome = "retryable_failure"
	OutcomeTerminalFailure  ReminderOutcome = "terminal_failure"
	OutcomeExpired          ReminderOutcome = "expired"
	OutcomeSkipped          ReminderOutcome = "skipped"
)

type ReminderSummary struct {
	Scanned int `json:"scanned"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
}

func (s *ReminderSummary) Apply(o ReminderOutcome) {
	switch o {
	case OutcomeSent:
		s.Sent++
	case OutcomeExpired:
		s.Expired++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}
