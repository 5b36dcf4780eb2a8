package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	svix "github.com/svix/svix-webhooks/go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const ozowTokenScope = "payment"

type OzowGateway struct {
	cfg    config.Ozow
	client *http.Client
	nowFn  func() time.Time
}

// NewOzowGateway wires the client-credentials token source. When rdb is not
// nil, access tokens are shared between processes through Redis.
func NewOzowGateway(cfg config.Ozow, rdb redis.Cmdable) *OzowGateway {
	base := strings.TrimRight(cfg.BaseURL, "/")
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/token",
		Scopes:       []string{ozowTokenScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	httpClient := &http.Client{Timeout: 15 * time.Second}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	var ts oauth2.TokenSource = cc.TokenSource(tokenCtx)
	if rdb != nil {
		ts = &cachedTokenSource{rdb: rdb, key: "ozow:token:" + ozowTokenScope, next: ts}
	}
	client := oauth2.NewClient(tokenCtx, ts)
	client.Timeout = 15 * time.Second

	cfg.BaseURL = base
	return &OzowGateway{cfg: cfg, client: client, nowFn: time.Now}
}

// cachedTokenSource keeps the access token in Redis until a minute before it
// expires.
type cachedTokenSource struct {
	rdb  redis.Cmdable
	key  string
	next oauth2.TokenSource
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

func (c *cachedTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cached, err := c.rdb.Get(ctx, c.key).Bytes()
	if err == nil {
		var ct cachedToken
		if jsonErr := json.Unmarshal(cached, &ct); jsonErr == nil && ct.AccessToken != "" {
			return &oauth2.Token{AccessToken: ct.AccessToken, TokenType: "Bearer", Expiry: ct.Expiry}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.WithError(err).Warn("Failed to read cached Ozow token")
	}

	tok, err := c.next.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ozow token: %w", err)
	}
	ttl := time.Hour - time.Minute
	if !tok.Expiry.IsZero() {
		ttl = time.Until(tok.Expiry) - time.Minute
	}
	if ttl < time.Minute {
		ttl = time.Minute
	}
	b, _ := json.Marshal(cachedToken{AccessToken: tok.AccessToken, Expiry: time.Now().Add(ttl)})
	if err := c.rdb.Set(ctx, c.key, b, ttl).Err(); err != nil {
		log.WithError(err).Warn("Failed to cache Ozow token")
	}
	return tok, nil
}

func (g *OzowGateway) Network() domain.Network { return domain.NetworkOzow }

func (g *OzowGateway) Configured() bool { return g.cfg.Configured() }

type ozowAmount struct {
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

type ozowPaymentRequest struct {
	SiteCode          string     `json:"siteCode"`
	Amount            ozowAmount `json:"amount"`
	MerchantReference string     `json:"merchantReference"`
	ReturnURL         string     `json:"returnUrl"`
	ExpireAt          string     `json:"expireAt"`
}

func (g *OzowGateway) CreatePaymentIntent(ctx context.Context, req PaymentRequest) (PaymentIntent, error) {
	if !g.Configured() {
		return PaymentIntent{}, fmt.Errorf("ozow: %w", domain.ErrNetworkNotConfigured)
	}
	expireAt := req.ExpiresAt
	if expireAt.IsZero() {
		expireAt = g.nowFn().Add(time.Hour)
	}
	value, _ := decimalRands(req.AmountCents).Float64()
	body, err := json.Marshal(ozowPaymentRequest{
		SiteCode:          g.cfg.SiteCode,
		Amount:            ozowAmount{Currency: "ZAR", Value: value},
		MerchantReference: req.Reference,
		ReturnURL:         req.ReturnURL,
		ExpireAt:          expireAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("failed to marshal ozow payment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("failed to build ozow payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("failed to create ozow payment: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PaymentIntent{}, fmt.Errorf("ozow payment request failed (%d): %s", resp.StatusCode, string(raw))
	}
	var out struct {
		ID          string `json:"id"`
		RedirectURL string `json:"redirectUrl"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return PaymentIntent{}, fmt.Errorf("failed to decode ozow payment response: %w", err)
	}
	if out.RedirectURL == "" {
		return PaymentIntent{}, errors.New("ozow payment response missing redirectUrl")
	}
	return PaymentIntent{
		Network:           domain.NetworkOzow,
		Mode:              ModeRedirect,
		Reference:         req.Reference,
		RedirectURL:       out.RedirectURL,
		ProviderReference: out.ID,
	}, nil
}

func (g *OzowGateway) VerifySignature(rawBody []byte, headers http.Header) bool {
	if g.cfg.WebhookSecret == "" {
		return false
	}
	wh, err := svix.NewWebhook(g.cfg.WebhookSecret)
	if err != nil {
		log.WithError(err).Error("Invalid Ozow webhook secret")
		return false
	}
	return wh.Verify(rawBody, headers) == nil
}

func (g *OzowGateway) ParseNotification(rawBody []byte, headers http.Header) (Notification, error) {
	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	data := cast.ToStringMap(payload["data"])

	n := Notification{
		Reference:    firstString(data, "merchantReference", "merchant_reference"),
		ProviderID:   cast.ToString(firstValue(data, "id", "transactionId")),
		TimestampRaw: headers.Get("svix-timestamp"),
	}
	if n.Reference == "" {
		n.Reference = firstString(payload, "merchantReference", "merchant_reference")
	}
	if n.Reference == "" {
		return Notification{}, domain.ErrMissingReference
	}

	var amount any
	if m, ok := data["amount"].(map[string]any); ok {
		amount = m["value"]
	} else if v, ok := data["amount"]; ok {
		amount = v
	} else {
		amount = payload["amount"]
	}
	n.AmountCents, n.HasAmount = randsToCents(amount)

	n.RawStatus = firstString(data, "status", "transactionStatus")
	if n.RawStatus == "" {
		n.RawStatus = firstString(payload, "status")
	}
	n.Status = g.MapStatus(n.RawStatus)
	return n, nil
}

func (g *OzowGateway) MapStatus(raw string) domain.ContributionStatus {
	return statusFromKeywords(raw,
		[]string{"paid", "complete", "completed", "success", "successful"},
		[]string{"failed", "unsuccessful", "cancelled", "canceled", "expired", "rejected", "error"})
}

func mapOzowTransactionStatus(raw string) domain.ContributionStatus {
	return statusFromKeywords(raw,
		[]string{"successful", "success", "paid", "complete", "completed"},
		[]string{"error", "failed", "unsuccessful", "cancelled", "canceled", "expired", "refunded"})
}

// ListTransactions pages through Ozow transactions in [from, to]. Complete is
// false when the page cap was reached before a short page.
func (g *OzowGateway) ListTransactions(ctx context.Context, from, to time.Time) (TransactionList, error) {
	limit := g.cfg.PageLimit
	if limit <= 0 {
		limit = 100
	}
	maxPages := g.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}

	var out TransactionList
	offset := 0
	for out.Pages < maxPages {
		records, err := g.listPage(ctx, from, to, limit, offset)
		if err != nil {
			return TransactionList{}, err
		}
		out.Pages++
		for _, rec := range records {
			out.Transactions = append(out.Transactions, ozowTransaction(rec))
		}
		if len(records) < limit {
			out.Complete = true
			return out, nil
		}
		offset += limit
	}
	log.WithField("pages", out.Pages).Warn("Ozow transaction paging stopped at page cap")
	return out, nil
}

func (g *OzowGateway) listPage(ctx context.Context, from, to time.Time, limit, offset int) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("fromDate", from.UTC().Format(time.RFC3339))
	q.Set("toDate", to.UTC().Format(time.RFC3339))
	if g.cfg.SiteCode != "" {
		q.Set("siteCode", g.cfg.SiteCode)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/transactions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ozow transactions request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list ozow transactions: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ozow transactions request failed (%d): %s", resp.StatusCode, string(raw))
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode ozow transactions: %w", err)
	}
	return extractRecords(payload, "data", "transactions", "items", "results", "records"), nil
}

func ozowTransaction(rec map[string]any) ProviderTransaction {
	paymentRequest := cast.ToStringMap(rec["paymentRequest"])

	var amount any
	if m, ok := rec["amount"].(map[string]any); ok {
		amount = m["value"]
	} else if v, ok := rec["amount"]; ok {
		amount = v
	} else if m, ok := paymentRequest["amount"].(map[string]any); ok {
		amount = m["value"]
	}

	ref := firstString(rec, "merchantReference")
	if ref == "" {
		ref = firstString(paymentRequest, "merchantReference")
	}
	if ref == "" {
		ref = firstString(rec, "merchant_reference")
	}

	t := ProviderTransaction{Reference: ref, RawStatus: cast.ToString(rec["status"])}
	t.AmountCents, t.HasAmount = randsToCents(amount)
	t.Status = mapOzowTransactionStatus(t.RawStatus)
	return t
}

// extractRecords accepts either a bare array or an object wrapping one under
// any of keys.
func extractRecords(payload any, keys ...string) []map[string]any {
	var list []any
	switch v := payload.(type) {
	case []any:
		list = v
	case map[string]any:
		for _, k := range keys {
			if arr, ok := v[k].([]any); ok {
				list = arr
				break
			}
		}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
