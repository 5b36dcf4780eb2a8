package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"

	"github.com/spf13/cast"
)

var snapScanSignatureHeader = regexp.MustCompile(`(?i)snapscan\s+signature=([^,\s]+)`)

var snapScanTimestampKeys = []string{"timestamp", "payment_date", "paymentDate", "created_at", "createdAt", "event_time", "eventTime"}

type SnapScanGateway struct {
	cfg    config.SnapScan
	client *http.Client
}

func NewSnapScanGateway(cfg config.SnapScan) *SnapScanGateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &SnapScanGateway{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

func (g *SnapScanGateway) Network() domain.Network { return domain.NetworkSnapScan }

func (g *SnapScanGateway) Configured() bool { return g.cfg.Configured() }

func (g *SnapScanGateway) CreatePaymentIntent(_ context.Context, req PaymentRequest) (PaymentIntent, error) {
	if g.cfg.SnapCode == "" {
		return PaymentIntent{}, fmt.Errorf("snapscan: %w", domain.ErrNetworkNotConfigured)
	}
	q := url.Values{}
	q.Set("id", req.Reference)
	q.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	q.Set("strict", "true")
	qrURL := fmt.Sprintf("%s/qr/%s?%s", g.cfg.BaseURL, url.PathEscape(g.cfg.SnapCode), q.Encode())

	q.Set("snap_code_size", "200")
	imageURL := fmt.Sprintf("%s/qr/%s.svg?%s", g.cfg.BaseURL, url.PathEscape(g.cfg.SnapCode), q.Encode())

	return PaymentIntent{
		Network:    domain.NetworkSnapScan,
		Mode:       ModeQR,
		Reference:  req.Reference,
		QRURL:      qrURL,
		QRImageURL: imageURL,
	}, nil
}

func snapScanSignature(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *SnapScanGateway) VerifySignature(rawBody []byte, headers http.Header) bool {
	if g.cfg.WebhookAuthKey == "" {
		return false
	}
	m := snapScanSignatureHeader.FindStringSubmatch(headers.Get("Authorization"))
	if m == nil {
		return false
	}
	expected := snapScanSignature(rawBody, g.cfg.WebhookAuthKey)
	return hmac.Equal([]byte(m[1]), []byte(expected))
}

func (g *SnapScanGateway) ParseNotification(rawBody []byte, _ http.Header) (Notification, error) {
	form, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	raw := form.Get("payload")
	if raw == "" {
		return Notification{}, fmt.Errorf("%w: missing payload", domain.ErrInvalidPayload)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	n := Notification{
		Reference:    firstString(payload, "id", "reference", "merchantReference", "merchant_reference"),
		ProviderID:   cast.ToString(firstValue(payload, "snapscanId", "transactionId")),
		RawStatus:    cast.ToString(payload["status"]),
		TimestampRaw: firstTimestamp(payload, snapScanTimestampKeys...),
	}
	if n.Reference == "" {
		return Notification{}, domain.ErrMissingReference
	}
	n.AmountCents, n.HasAmount = snapScanAmountCents(firstValue(payload, "amountCents", "amount_cents", "amount"))
	n.Status = g.MapStatus(n.RawStatus)
	return n, nil
}

// snapScanAmountCents reads SnapScan amounts, which are cents unless they
// carry a decimal part.
func snapScanAmountCents(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
		return randsToCents(t)
	case string:
		s := strings.TrimSpace(t)
		if strings.Contains(s, ".") {
			return randsToCents(s)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (g *SnapScanGateway) MapStatus(raw string) domain.ContributionStatus {
	return statusFromKeywords(raw,
		[]string{"paid", "complete", "completed", "success", "successful"},
		[]string{"failed", "unsuccessful", "cancelled", "canceled", "expired", "rejected"})
}

func mapSnapScanPaymentStatus(raw string) domain.ContributionStatus {
	return statusFromKeywords(raw,
		[]string{"complete", "completed", "paid", "success", "successful"},
		[]string{"error", "failed", "unsuccessful", "cancelled", "canceled", "expired"})
}

// ListTransactions queries the merchant payments API for [from, to].
func (g *SnapScanGateway) ListTransactions(ctx context.Context, from, to time.Time) (TransactionList, error) {
	if g.cfg.APIKey == "" {
		return TransactionList{}, fmt.Errorf("snapscan api key: %w", domain.ErrNetworkNotConfigured)
	}
	q := url.Values{}
	q.Set("startDate", from.UTC().Format(time.RFC3339))
	q.Set("endDate", to.UTC().Format(time.RFC3339))
	q.Set("status", "completed,pending,error")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/merchant/api/v1/payments?"+q.Encode(), nil)
	if err != nil {
		return TransactionList{}, fmt.Errorf("failed to build snapscan payments request: %w", err)
	}
	req.SetBasicAuth(g.cfg.APIKey, "")

	resp, err := g.client.Do(req)
	if err != nil {
		return TransactionList{}, fmt.Errorf("failed to list snapscan payments: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TransactionList{}, fmt.Errorf("snapscan api error (%d): %s", resp.StatusCode, string(raw))
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return TransactionList{}, fmt.Errorf("failed to decode snapscan payments: %w", err)
	}

	out := TransactionList{Pages: 1, Complete: true}
	for _, rec := range extractRecords(payload, "data", "payments", "items", "results") {
		t := ProviderTransaction{
			Reference: cast.ToString(rec["merchantReference"]),
			RawStatus: cast.ToString(rec["status"]),
		}
		if amount := firstValue(rec, "requiredAmount", "totalAmount"); amount != nil {
			if f, err := cast.ToFloat64E(amount); err == nil {
				t.AmountCents, t.HasAmount = int64(f+0.5), true
			}
		}
		t.Status = mapSnapScanPaymentStatus(t.RawStatus)
		out.Transactions = append(out.Transactions, t)
	}
	return out, nil
}
