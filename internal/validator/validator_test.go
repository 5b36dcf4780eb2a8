package validator

import (
	"errors"
	"testing"

	"chipin-service/internal/domain"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"guest@example.co.za", nil},
		{"  ", ErrEmptyEmail},
		{"not-an-email", ErrInvalidEmailFormat},
	}
	for _, tt := range tests {
		if got := ValidateEmail(tt.in); !errors.Is(got, tt.want) {
			t.Errorf("ValidateEmail(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidatePhoneE164(t *testing.T) {
	if err := ValidatePhoneE164("+27821234567"); err != nil {
		t.Fatalf("expected valid phone, got %v", err)
	}
	if err := ValidatePhoneE164("0821234567"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestNormalizeSAMobile(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"082 123 4567", "+27821234567", true},
		{"+27-71-123-4567", "+27711234567", true},
		{"0121234567", "", false},
		{"+4420123456", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeSAMobile(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeSAMobile(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidateContributionAmounts(t *testing.T) {
	tests := []struct {
		name                string
		gross, fee, charity int64
		want                error
	}{
		{"ok", 5000, 300, 500, nil},
		{"zero gross", 0, 0, 0, ErrInvalidGross},
		{"fee above gross", 100, 101, 0, ErrInvalidFee},
		{"negative charity", 100, 0, -1, ErrInvalidCharity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateContributionAmounts(tt.gross, tt.fee, tt.charity); !errors.Is(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidatePayoutAmounts(t *testing.T) {
	tests := []struct {
		name                     string
		gross, fee, charity, net int64
		wantErr                  bool
	}{
		{"gift payout", 4700, 300, 0, 4400, false},
		{"all zero", 0, 0, 0, 0, false},
		{"net above gross", 100, 0, 0, 101, true},
		{"negative fee", 100, -1, 0, 100, true},
		{"negative net", 100, 0, 0, -5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayoutAmounts(tt.gross, tt.fee, tt.charity, tt.net)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidPayoutAmounts) {
				t.Fatalf("expected ErrInvalidPayoutAmounts, got %v", err)
			}
		})
	}
}

func TestValidatePayoutPlanRejectsUnknownType(t *testing.T) {
	err := ValidatePayoutPlan(domain.PayoutPlan{Type: "bank_transfer", GrossCents: 10, NetCents: 10})
	if !errors.Is(err, domain.ErrUnsupportedPayoutType) {
		t.Fatalf("expected ErrUnsupportedPayoutType, got %v", err)
	}
}

func TestValidateReminderVars(t *testing.T) {
	got, err := ValidateReminderVars(ReminderVars{
		ChildName:         " Maya ",
		GiftName:          "Bike",
		PageURL:           "https://chipin.example/maya",
		CampaignCloseDate: "2026-11-01",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ChildName != "Maya" {
		t.Fatalf("expected trimmed child name, got %q", got.ChildName)
	}

	_, err = ValidateReminderVars(ReminderVars{ChildName: "Maya", PageURL: "https://x"})
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TemplateError, got %v", err)
	}
	if len(te.MissingFields) != 2 || te.MissingFields[0] != "dreamboard_title" || te.MissingFields[1] != "campaign_close_date" {
		t.Fatalf("unexpected missing fields: %v", te.MissingFields)
	}
}
