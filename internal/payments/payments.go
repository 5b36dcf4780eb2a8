package payments

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"chipin-service/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

type Mode string

const (
	ModeForm     Mode = "form"
	ModeRedirect Mode = "redirect"
	ModeQR       Mode = "qr"
)

type PaymentRequest struct {
	AmountCents   int64
	Reference     string
	Description   string
	ReturnURL     string
	CancelURL     string
	NotifyURL     string
	CustomerEmail string
	ExpiresAt     time.Time
}

type FormField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type PaymentIntent struct {
	Network           domain.Network `json:"provider"`
	Mode              Mode           `json:"mode"`
	Reference         string         `json:"reference"`
	RedirectURL       string         `json:"redirect_url,omitempty"`
	Fields            []FormField    `json:"fields,omitempty"`
	ProviderReference string         `json:"provider_reference,omitempty"`
	QRURL             string         `json:"qr_url,omitempty"`
	QRImageURL        string         `json:"qr_image_url,omitempty"`
}

// Notification is a verified provider callback reduced to what the ledger needs.
type Notification struct {
	Reference    string
	ProviderID   string
	AmountCents  int64
	HasAmount    bool
	RawStatus    string
	Status       domain.ContributionStatus
	TimestampRaw string
}

// Gateway is implemented once per payment network.
type Gateway interface {
	Network() domain.Network
	Configured() bool
	CreatePaymentIntent(ctx context.Context, req PaymentRequest) (PaymentIntent, error)
	VerifySignature(rawBody []byte, headers http.Header) bool
	ParseNotification(rawBody []byte, headers http.Header) (Notification, error)
	MapStatus(raw string) domain.ContributionStatus
}

// NotificationValidator is implemented by networks that need checks beyond
// the signature before a notification may touch the ledger.
type NotificationValidator interface {
	ValidateNotification(ctx context.Context, rawBody []byte, n Notification, remoteIP string) error
}

type ProviderTransaction struct {
	Reference   string
	AmountCents int64
	HasAmount   bool
	RawStatus   string
	Status      domain.ContributionStatus
}

type TransactionList struct {
	Transactions []ProviderTransaction
	Pages        int
	Complete     bool
}

// TransactionLister is implemented by networks that expose a transaction
// listing for reconciliation.
type TransactionLister interface {
	ListTransactions(ctx context.Context, from, to time.Time) (TransactionList, error)
}

type Registry struct {
	gateways map[domain.Network]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[domain.Network]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Network()] = g
	}
	return r
}

// Get returns the gateway for n, or domain.ErrNetworkNotConfigured when it is
// missing or lacks credentials.
func (r *Registry) Get(n domain.Network) (Gateway, error) {
	g, ok := r.gateways[n]
	if !ok || !g.Configured() {
		return nil, fmt.Errorf("%s: %w", n, domain.ErrNetworkNotConfigured)
	}
	return g, nil
}

func (r *Registry) Available() []domain.Network {
	var out []domain.Network
	for _, n := range domain.Networks {
		if g, ok := r.gateways[n]; ok && g.Configured() {
			out = append(out, n)
		}
	}
	return out
}

// Lister returns the transaction lister for n when the network has one.
func (r *Registry) Lister(n domain.Network) (TransactionLister, bool) {
	g, ok := r.gateways[n]
	if !ok || !g.Configured() {
		return nil, false
	}
	l, ok := g.(TransactionLister)
	return l, ok
}

var hundred = decimal.NewFromInt(100)

// randsToCents converts a rand amount ("50.00", 50.5) to integer cents.
func randsToCents(v any) (int64, bool) {
	var d decimal.Decimal
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		d = decimal.NewFromFloat(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			return 0, false
		}
		d = parsed
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return 0, false
		}
		d = decimal.NewFromFloat(f)
	}
	return d.Mul(hundred).Round(0).IntPart(), true
}

func decimalRands(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func centsToRands(cents int64) string {
	return decimalRands(cents).StringFixed(2)
}

// firstValue returns the first non-nil value found under keys.
func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// firstTimestamp returns the first string or numeric timestamp under keys.
func firstTimestamp(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// statusFromKeywords maps a provider status by whole words, so negated forms
// such as "Unpaid" or "Incomplete" never read as completed. Failure words are
// checked first.
func statusFromKeywords(raw string, completed, failed []string) domain.ContributionStatus {
	words := statusWords(raw)
	if len(words) == 0 {
		return domain.ContributionProcessing
	}
	if containsAny(words, failed) {
		return domain.ContributionFailed
	}
	if containsAny(words, completed) {
		return domain.ContributionCompleted
	}
	return domain.ContributionProcessing
}

// statusWords lowercases raw and splits it on punctuation, spaces and
// camel-case boundaries: "PaymentCompleted" gives [payment completed].
func statusWords(raw string) []string {
	var (
		words     []string
		cur       []rune
		prevLower bool
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for _, r := range raw {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			prevLower = false
			continue
		}
		if unicode.IsUpper(r) && prevLower {
			flush()
		}
		cur = append(cur, r)
		prevLower = unicode.IsLower(r)
	}
	flush()
	return words
}

func containsAny(words, keys []string) bool {
	for _, w := range words {
		for _, k := range keys {
			if w == k {
				return true
			}
		}
	}
	return false
}

var (
	tenDigits      = regexp.MustCompile(`^\d{10}$`)
	thirteenDigits = regexp.MustCompile(`^\d{13}$`)
	zoneSuffix     = regexp.MustCompile(`Z$|[+-]\d{2}:?\d{2}$`)
)

// ParseTimestamp accepts unix seconds, unix milliseconds and ISO-8601 values.
// Values without a zone are read as UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	if tenDigits.MatchString(s) {
		n, _ := strconv.ParseInt(s, 10, 64)
		return time.Unix(n, 0).UTC(), true
	}
	if thirteenDigits.MatchString(s) {
		n, _ := strconv.ParseInt(s, 10, 64)
		return time.UnixMilli(n).UTC(), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 1e12 {
			return time.UnixMilli(int64(f * 1000)).UTC(), true
		}
		return time.UnixMilli(int64(f)).UTC(), true
	}
	if !strings.Contains(s, "T") {
		s = strings.Replace(s, " ", "T", 1)
	}
	if !zoneSuffix.MatchString(s) {
		s += "Z"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CheckTimestamp rejects notifications whose timestamp is unparseable or
// further than tolerance from now. A missing timestamp passes; callers log it.
func (n Notification) CheckTimestamp(now time.Time, tolerance time.Duration) error {
	if n.TimestampRaw == "" {
		return nil
	}
	ts, ok := ParseTimestamp(n.TimestampRaw)
	if !ok {
		return fmt.Errorf("%w: unparseable %q", domain.ErrTimestampOutOfWindow, n.TimestampRaw)
	}
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return fmt.Errorf("%w: off by %s", domain.ErrTimestampOutOfWindow, diff.Round(time.Second))
	}
	return nil
}
