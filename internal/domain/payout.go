package domain

import (
	"database/sql"
	"time"
)

type PayoutType string

const (
	PayoutKarriTopUp       PayoutType = "karri_card_topup"
	PayoutTakealotGiftCard PayoutType = "takealot_gift_card"
	PayoutDonation         PayoutType = "philanthropy_donation"
)

var PayoutTypes = []PayoutType{PayoutKarriTopUp, PayoutTakealotGiftCard, PayoutDonation}

func (t PayoutType) Valid() bool {
	for _, v := range PayoutTypes {
		if v == t {
			return true
		}
	}
	return false
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

type PayoutItemType string

const (
	PayoutItemGift    PayoutItemType = "gift"
	PayoutItemCharity PayoutItemType = "charity"
)

type Payout struct {
	ID            string
	PageID        string
	PartnerID     string
	Type          PayoutType
	GrossCents    int64
	FeeCents      int64
	CharityCents  int64
	NetCents      int64
	RecipientData map[string]any
	Status        PayoutStatus
	ExternalRef   sql.NullString
	ErrorMessage  sql.NullString
	CompletedAt   sql.NullTime
	CreatedAt     time.Time

	// Page fields joined for disbursement.
	ChildName   string
	PayoutEmail string
}

// RecipientString returns a string value from the recipient bag.
func (p *Payout) RecipientString(key string) string {
	if p.RecipientData == nil {
		return ""
	}
	if v, ok := p.RecipientData[key].(string); ok {
		return v
	}
	return ""
}

type PayoutItem struct {
	PayoutID    string
	PageID      string
	Type        PayoutItemType
	AmountCents int64
	Metadata    map[string]any
}

// PayoutPlan is one payout the engine intends to create for a page.
type PayoutPlan struct {
	PageID        string
	PartnerID     string
	Type          PayoutType
	ItemType      PayoutItemType
	GrossCents    int64
	FeeCents      int64
	CharityCents  int64
	NetCents      int64
	RecipientData map[string]any
	Calculation   PayoutCalculation
}

type PayoutCalculation struct {
	RaisedCents   int64 `json:"raised_cents"`
	GrossCents    int64 `json:"gross_cents"`
	FeeCents      int64 `json:"fee_cents"`
	CharityCents  int64 `json:"charity_cents"`
	OverflowCents int64 `json:"overflow_cents"`
	GiftCents     int64 `json:"gift_cents"`
}

type AutomationStatus string

const (
	AutomationCompleted AutomationStatus = "completed"
	AutomationPending   AutomationStatus = "pending"
	AutomationFailed    AutomationStatus = "failed"
)

type AutomationResult struct {
	PayoutID    string           `json:"payout_id"`
	Status      AutomationStatus `json:"status"`
	ExternalRef string           `json:"external_ref,omitempty"`
}
