package disbursement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"

	"github.com/spf13/cast"
	"github.com/valyala/fasthttp"
)

const defaultTimeout = 20 * time.Second

var ErrMissingCredentials = errors.New("integration credentials are missing")

// Result is what a partner reported for one disbursement attempt.
type Result struct {
	Status       domain.AutomationStatus
	ExternalRef  string
	ErrorMessage string
	// Documents are merged into the payout's recipient data.
	Documents map[string]any
}

// Handler moves a payout's money through one partner integration.
type Handler interface {
	Process(ctx context.Context, payout *domain.Payout) (Result, error)
}

// Registry maps payout types to their disbursement handler.
type Registry map[domain.PayoutType]Handler

func (r Registry) For(t domain.PayoutType) (Handler, error) {
	h, ok := r[t]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, domain.ErrUnsupportedPayoutType)
	}
	return h, nil
}

// apiClient posts JSON to a partner API with bearer authentication.
type apiClient struct {
	name    string
	cfg     config.Integration
	client  *fasthttp.Client
	timeout time.Duration
}

func newAPIClient(name string, cfg config.Integration) *apiClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &apiClient{
		name:    name,
		cfg:     cfg,
		client:  &fasthttp.Client{Name: "chipin-disbursement"},
		timeout: defaultTimeout,
	}
}

func (c *apiClient) post(ctx context.Context, path string, body any) (map[string]any, error) {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", c.name, ErrMissingCredentials)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", c.name, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return nil, fmt.Errorf("%s request failed (%d)", c.name, code)
	}

	out := map[string]any{}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return out, nil
}

func parseStatus(name string, v any) (domain.AutomationStatus, error) {
	switch s := domain.AutomationStatus(cast.ToString(v)); s {
	case domain.AutomationCompleted, domain.AutomationPending, domain.AutomationFailed:
		return s, nil
	}
	return "", fmt.Errorf("%s response missing status", name)
}

func stringField(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// NewRegistry builds the handler table for every automated payout type.
func NewRegistry(cfg config.Config, box CardDecrypter) Registry {
	return Registry{
		domain.PayoutKarriTopUp:       NewKarriHandler(cfg.Karri, box),
		domain.PayoutTakealotGiftCard: NewTakealotHandler(cfg.Takealot),
		domain.PayoutDonation:         NewGivenGainHandler(cfg.GivenGain),
	}
}
