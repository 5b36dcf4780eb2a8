package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chipin-service/internal/domain"
)

var (
	ErrEmptyEmail         = errors.New("email is empty")
	ErrInvalidEmailFormat = errors.New("invalid email format")
	ErrEmptyReference     = errors.New("reference is empty")
	ErrInvalidPhone       = errors.New("phone number is not E.164")
	ErrInvalidGross       = errors.New("gross amount must be greater than 0")
	ErrInvalidFee         = errors.New("fee must be between 0 and gross")
	ErrInvalidCharity     = errors.New("charity must be between 0 and gross")
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	e164Regex  = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	saMobile   = regexp.MustCompile(`^(\+27|0)[6-8][0-9]{8}$`)
)

func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return ErrEmptyEmail
	}
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmailFormat
	}
	return nil
}

func ValidateReference(reference string) error {
	if strings.TrimSpace(reference) == "" {
		return ErrEmptyReference
	}
	return nil
}

func ValidatePhoneE164(phone string) error {
	if !e164Regex.MatchString(phone) {
		return ErrInvalidPhone
	}
	return nil
}

// NormalizeSAMobile returns a South African mobile number in +27 form.
func NormalizeSAMobile(value string) (string, bool) {
	n := strings.NewReplacer(" ", "", "-", "").Replace(value)
	if !saMobile.MatchString(n) {
		return "", false
	}
	if strings.HasPrefix(n, "0") {
		return "+27" + n[1:], true
	}
	return n, true
}

// ValidateContributionAmounts checks a pledge before it is written as pending.
func ValidateContributionAmounts(grossCents, feeCents, charityCents int64) error {
	if grossCents <= 0 {
		return ErrInvalidGross
	}
	if feeCents < 0 || feeCents > grossCents {
		return ErrInvalidFee
	}
	if charityCents < 0 || charityCents > grossCents {
		return ErrInvalidCharity
	}
	return nil
}

// ValidatePayoutAmounts enforces gross >= net >= 0 with every component non-negative.
func ValidatePayoutAmounts(grossCents, feeCents, charityCents, netCents int64) error {
	switch {
	case grossCents < 0, feeCents < 0, charityCents < 0, netCents < 0:
		return fmt.Errorf("%w: negative amount (gross=%d fee=%d charity=%d net=%d)",
			domain.ErrInvalidPayoutAmounts, grossCents, feeCents, charityCents, netCents)
	case netCents > grossCents:
		return fmt.Errorf("%w: net %d exceeds gross %d", domain.ErrInvalidPayoutAmounts, netCents, grossCents)
	}
	return nil
}

func ValidatePayoutPlan(plan domain.PayoutPlan) error {
	if !plan.Type.Valid() {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedPayoutType, plan.Type)
	}
	return ValidatePayoutAmounts(plan.GrossCents, plan.FeeCents, plan.CharityCents, plan.NetCents)
}

// ReminderVars are the values every reminder template renders.
type ReminderVars struct {
	ChildName         string
	GiftName          string
	PageURL           string
	CampaignCloseDate string
}

// TemplateError lists the template fields that were blank.
type TemplateError struct {
	MissingFields []string
}

func (e *TemplateError) Error() string {
	return "missing reminder template variables: " + strings.Join(e.MissingFields, ", ")
}

// ValidateReminderVars trims the variables and returns a *TemplateError when any is blank.
func ValidateReminderVars(v ReminderVars) (ReminderVars, error) {
	out := ReminderVars{
		ChildName:         strings.TrimSpace(v.ChildName),
		GiftName:          strings.TrimSpace(v.GiftName),
		PageURL:           strings.TrimSpace(v.PageURL),
		CampaignCloseDate: strings.TrimSpace(v.CampaignCloseDate),
	}

	var missing []string
	if out.ChildName == "" {
		missing = append(missing, "child_name")
	}
	if out.GiftName == "" {
		missing = append(missing, "dreamboard_title")
	}
	if out.PageURL == "" {
		missing = append(missing, "dreamboard_url")
	}
	if out.CampaignCloseDate == "" {
		missing = append(missing, "campaign_close_date")
	}
	if len(missing) > 0 {
		return ReminderVars{}, &TemplateError{MissingFields: missing}
	}
	return out, nil
}
