package payments

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

var payFastSourceRanges = []string{
	"197.97.145.144/28",
	"41.74.179.192/27",
	"102.216.36.0/28",
	"102.216.36.128/28",
	"144.126.193.139/32",
}

type PayFastGateway struct {
	cfg         config.PayFast
	production  bool
	client      *http.Client
	processURL  string
	validateURL string
	sources     []*net.IPNet
}

func NewPayFastGateway(cfg config.PayFast, production bool) *PayFastGateway {
	g := &PayFastGateway{
		cfg:         cfg,
		production:  production,
		client:      &http.Client{Timeout: 10 * time.Second},
		processURL:  "https://www.payfast.co.za/eng/process",
		validateURL: "https://www.payfast.co.za/eng/query/validate",
	}
	if cfg.Sandbox {
		g.processURL = "https://sandbox.payfast.co.za/eng/process"
		g.validateURL = "https://sandbox.payfast.co.za/eng/query/validate"
	}
	for _, cidr := range payFastSourceRanges {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			g.sources = append(g.sources, n)
		}
	}
	return g
}

func (g *PayFastGateway) Network() domain.Network { return domain.NetworkPayFast }

func (g *PayFastGateway) Configured() bool { return g.cfg.Configured() }

func (g *PayFastGateway) CreatePaymentIntent(ctx context.Context, req PaymentRequest) (PaymentIntent, error) {
	if !g.Configured() {
		return PaymentIntent{}, fmt.Errorf("payfast: %w", domain.ErrNetworkNotConfigured)
	}
	candidates := []FormField{
		{"merchant_id", g.cfg.MerchantID},
		{"merchant_key", g.cfg.MerchantKey},
		{"return_url", req.ReturnURL},
		{"cancel_url", req.CancelURL},
		{"notify_url", req.NotifyURL},
		{"email_address", req.CustomerEmail},
		{"m_payment_id", req.Reference},
		{"amount", centsToRands(req.AmountCents)},
		{"item_name", req.Description},
	}
	fields := make([]FormField, 0, len(candidates)+1)
	for _, f := range candidates {
		if f.Value != "" {
			fields = append(fields, f)
		}
	}
	fields = append(fields, FormField{"signature", payFastSignature(fields, g.cfg.Passphrase)})

	return PaymentIntent{
		Network:     domain.NetworkPayFast,
		Mode:        ModeForm,
		Reference:   req.Reference,
		RedirectURL: g.processURL,
		Fields:      fields,
	}, nil
}

// parsePayFastBody splits an ITN body into ordered fields, stopping at the
// signature, which is returned separately.
func parsePayFastBody(raw []byte) (fields []FormField, values map[string]string, signature string) {
	values = map[string]string{}
	for _, pair := range strings.Split(string(raw), "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			value = rawValue
		}
		if key == "signature" {
			signature = value
			break
		}
		fields = append(fields, FormField{key, value})
		values[key] = value
	}
	return fields, values, signature
}

// payFastEncode matches PayFast's expected encoding: encodeURIComponent with
// '+' for spaces and upper-case escapes.
func payFastEncode(s string) string {
	const hexUpper = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte("-_.!~*'()", c) >= 0:
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte('%')
			b.WriteByte(hexUpper[c>>4])
			b.WriteByte(hexUpper[c&0x0f])
		}
	}
	return b.String()
}

func payFastParamString(fields []FormField) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Key+"="+payFastEncode(f.Value))
	}
	return strings.Join(parts, "&")
}

func payFastSignature(fields []FormField, passphrase string) string {
	s := payFastParamString(fields)
	if passphrase != "" {
		s += "&passphrase=" + payFastEncode(passphrase)
	}
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (g *PayFastGateway) VerifySignature(rawBody []byte, _ http.Header) bool {
	fields, _, signature := parsePayFastBody(rawBody)
	if signature == "" {
		return false
	}
	expected := payFastSignature(fields, g.cfg.Passphrase)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) == 1
}

func (g *PayFastGateway) ParseNotification(rawBody []byte, _ http.Header) (Notification, error) {
	_, values, _ := parsePayFastBody(rawBody)
	n := Notification{
		Reference:  values["m_payment_id"],
		ProviderID: values["pf_payment_id"],
		RawStatus:  values["payment_status"],
	}
	if n.ProviderID == "" {
		return Notification{}, fmt.Errorf("%w: missing pf_payment_id", domain.ErrInvalidPayload)
	}
	if n.Reference == "" {
		return Notification{}, domain.ErrMissingReference
	}
	n.Status = g.MapStatus(n.RawStatus)
	n.AmountCents, n.HasAmount = randsToCents(values["amount_gross"])
	for _, k := range []string{"timestamp", "payment_date"} {
		if v := strings.TrimSpace(values[k]); v != "" {
			n.TimestampRaw = v
			break
		}
	}
	return n, nil
}

func (g *PayFastGateway) MapStatus(raw string) domain.ContributionStatus {
	switch raw {
	case "COMPLETE":
		return domain.ContributionCompleted
	case "CANCELLED", "FAILED":
		return domain.ContributionFailed
	default:
		return domain.ContributionProcessing
	}
}

// ValidateNotification checks the merchant credentials, the source address in
// production and asks PayFast to confirm the ITN.
func (g *PayFastGateway) ValidateNotification(ctx context.Context, rawBody []byte, _ Notification, remoteIP string) error {
	_, values, _ := parsePayFastBody(rawBody)
	if values["merchant_id"] != g.cfg.MerchantID || values["merchant_key"] != g.cfg.MerchantKey {
		return fmt.Errorf("%w: merchant mismatch", domain.ErrInvalidPayload)
	}
	if g.production && g.cfg.ValidateSource && !g.trustedSource(remoteIP) {
		return fmt.Errorf("%w: untrusted source %s", domain.ErrInvalidPayload, remoteIP)
	}
	return g.validateITN(ctx, rawBody)
}

func (g *PayFastGateway) trustedSource(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range g.sources {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (g *PayFastGateway) validateITN(ctx context.Context, rawBody []byte) error {
	fields, _, _ := parsePayFastBody(rawBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.validateURL, strings.NewReader(payFastParamString(fields)))
	if err != nil {
		return fmt.Errorf("failed to build itn validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to validate itn: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if strings.TrimSpace(string(body)) != "VALID" {
		log.WithField("response", strings.TrimSpace(string(body))).Warn("PayFast rejected ITN validation")
		return fmt.Errorf("%w: itn not valid", domain.ErrInvalidPayload)
	}
	return nil
}
