package domain

import (
	"database/sql"
	"time"
)

type EventType string

const (
	EventContributionReceived EventType = "contribution.received"
	EventPotFunded            EventType = "pot.funded"
	EventPotClosed            EventType = "pot.closed"
	EventPayoutCreated        EventType = "payout.created"
	EventPayoutCompleted      EventType = "payout.completed"
	EventPayoutFailed         EventType = "payout.failed"
)

const WildcardEvent = "*"

type WebhookEventStatus string

const (
	WebhookPending   WebhookEventStatus = "pending"
	WebhookDelivered WebhookEventStatus = "delivered"
	WebhookFailed    WebhookEventStatus = "failed"
)

// EventMeta defers expensive payload construction to delivery time.
type EventMeta struct {
	EnrichmentRequired bool   `json:"enrichment_required,omitempty"`
	PageID             string `json:"dream_board_id,omitempty"`
}

type EventPayload struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
	Meta      *EventMeta     `json:"meta,omitempty"`
}

// ForDelivery strips internal metadata before the payload leaves the system.
func (p EventPayload) ForDelivery() EventPayload {
	p.Meta = nil
	return p
}

type WebhookEvent struct {
	ID               string
	SubscriberID     sql.NullString
	EventType        EventType
	Payload          EventPayload
	Status           WebhookEventStatus
	Attempts         int
	LastAttemptAt    sql.NullTime
	NextAttemptAt    sql.NullTime
	LastResponseCode sql.NullInt64
	LastResponseBody sql.NullString
	CreatedAt        time.Time
}

type WebhookEndpoint struct {
	ID           string
	SubscriberID string
	URL          string
	Events       []string
	Secret       string
	Active       bool
}

// Subscribes reports whether the endpoint wants events of type t.
func (e WebhookEndpoint) Subscribes(t EventType) bool {
	for _, ev := range e.Events {
		if ev == WildcardEvent || ev == string(t) {
			return true
		}
	}
	return false
}

// DeliveryAttempt is the recorded outcome of one queue pass over an event.
type DeliveryAttempt struct {
	At           time.Time
	Attempts     int
	Status       WebhookEventStatus
	NextAttempt  sql.NullTime
	ResponseCode sql.NullInt64
	ResponseBody sql.NullString
}
