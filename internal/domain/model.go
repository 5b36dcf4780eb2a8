package domain

import (
	"database/sql"
	"time"
)

type Network string

const (
	NetworkPayFast  Network = "payfast"
	NetworkOzow     Network = "ozow"
	NetworkSnapScan Network = "snapscan"
)

// Networks lists every supported payment network. Adding a network means
// extending this list and the gateway table in the payments package together.
var Networks = []Network{NetworkPayFast, NetworkOzow, NetworkSnapScan}

func ParseNetwork(s string) (Network, bool) {
	for _, n := range Networks {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

type ContributionStatus string

const (
	ContributionPending    ContributionStatus = "pending"
	ContributionProcessing ContributionStatus = "processing"
	ContributionCompleted  ContributionStatus = "completed"
	ContributionFailed     ContributionStatus = "failed"
	ContributionRefunded   ContributionStatus = "refunded"
)

// AllowedPredecessors returns the statuses a contribution may move to next
// from. Failed and refunded are final, completed may only become refunded.
func AllowedPredecessors(next ContributionStatus) []ContributionStatus {
	switch next {
	case ContributionPending:
		return []ContributionStatus{}
	case ContributionProcessing:
		return []ContributionStatus{ContributionPending}
	case ContributionCompleted, ContributionFailed:
		return []ContributionStatus{ContributionPending, ContributionProcessing}
	case ContributionRefunded:
		return []ContributionStatus{ContributionCompleted}
	default:
		return []ContributionStatus{}
	}
}

func CanTransition(from, to ContributionStatus) bool {
	for _, s := range AllowedPredecessors(to) {
		if s == from {
			return true
		}
	}
	return false
}

type Contribution struct {
	ID                string
	PageID            string
	PartnerID         string
	Network           Network
	ProviderReference string
	GrossCents        int64
	FeeCents          int64
	NetCents          int64
	CharityCents      int64
	Status            ContributionStatus
	ContributorName   sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NetFor derives the net amount of a pledge.
func NetFor(grossCents, feeCents int64) int64 {
	return grossCents - feeCents
}

type PageStatus string

const (
	PageDraft     PageStatus = "draft"
	PageActive    PageStatus = "active"
	PageFunded    PageStatus = "funded"
	PageClosed    PageStatus = "closed"
	PagePaidOut   PageStatus = "paid_out"
	PageExpired   PageStatus = "expired"
	PageCancelled PageStatus = "cancelled"
)

// IsOpen reports whether guests can still contribute to a page.
func (s PageStatus) IsOpen() bool {
	return s == PageActive || s == PageFunded
}

type GiftType string

const (
	GiftTypeGift         GiftType = "gift"
	GiftTypePhilanthropy GiftType = "philanthropy"
)

type FundingPage struct {
	ID                  string
	PartnerID           string
	Slug                string
	ChildName           string
	GiftName            string
	GiftType            GiftType
	GoalCents           int64
	Status              PageStatus
	PayoutMethod        PayoutType
	PayoutEmail         string
	KarriCardNumber     sql.NullString
	KarriCardHolderName sql.NullString
	OverflowCauseID     sql.NullString
	CampaignEndDate     sql.NullTime
	PartyDate           sql.NullTime
	UpdatedAt           time.Time
}

type ContributionTotals struct {
	GrossCents   int64
	FeeCents     int64
	NetCents     int64
	CharityCents int64
	Count        int64
}

type ActorType string

const (
	ActorAdmin  ActorType = "admin"
	ActorHost   ActorType = "host"
	ActorSystem ActorType = "system"
	ActorAPIKey ActorType = "api_key"
)

type Actor struct {
	Type  ActorType
	ID    string
	Email string
}

var SystemActor = Actor{Type: ActorSystem, ID: "system"}

type AuditEntry struct {
	Actor      Actor
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type EmailStatus string

const (
	StatusSent   EmailStatus = "sent"
	StatusFailed EmailStatus = "failed"
)

type EmailLog struct {
	Reference      string
	RecipientEmail string
	Subject        string
	Status         EmailStatus
	ErrorMessage   sql.NullString
}
