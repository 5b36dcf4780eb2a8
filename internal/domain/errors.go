package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrPageNotReady          = errors.New("funding page is not ready for payout")
	ErrPageNotOpen           = errors.New("funding page is not accepting contributions")
	ErrUnsupportedPayoutType = errors.New("unsupported payout type")
	ErrAutomationDisabled    = errors.New("automation disabled for payout type")
	ErrInvalidPayload        = errors.New("invalid notification payload")
	ErrMissingReference      = errors.New("missing payment reference")
	ErrAmountMismatch        = errors.New("amount mismatch")
	ErrAmountMissing         = errors.New("amount missing")
	ErrTimestampOutOfWindow  = errors.New("notification timestamp outside tolerance")
	ErrNetworkNotConfigured  = errors.New("payment network not configured")
	ErrDuplicateReference    = errors.New("duplicate payment reference")
	ErrInvalidPayoutAmounts  = errors.New("invalid payout amounts")
)
