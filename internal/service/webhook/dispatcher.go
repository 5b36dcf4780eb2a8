package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const (
	SignatureHeader = "X-Chipin-Signature"
	EventIDHeader   = "X-Chipin-Event-Id"

	responseBodyLimit = 2000
)

var retrySchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
}

// Backoff returns the wait before the next delivery after the given number of
// failed attempts. Past the table the last interval repeats.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts > len(retrySchedule) {
		return retrySchedule[len(retrySchedule)-1]
	}
	return retrySchedule[attempts-1]
}

type Store interface {
	InsertEvent(ctx context.Context, ev domain.WebhookEvent) error
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error)
	ActiveEndpoints(ctx context.Context, subscriberID string) ([]domain.WebhookEndpoint, error)
	UpdatePayload(ctx context.Context, id string, payload domain.EventPayload) error
	RecordAttempt(ctx context.Context, id string, a domain.DeliveryAttempt) error
}

type SubscriberLister interface {
	ActiveAPIKeyIDs(ctx context.Context, partnerID string) ([]string, error)
}

// SecretOpener decrypts endpoint signing secrets.
type SecretOpener interface {
	Decrypt(ciphertext string) (string, error)
}

type Summary struct {
	Processed int `json:"processed"`
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

type Dispatcher struct {
	store       Store
	subscribers SubscriberLister
	builder     PayloadBuilder
	secrets     SecretOpener
	client      *fasthttp.Client
	cfg         config.Webhooks
	nowFn       func() time.Time
}

func NewDispatcher(store Store, subscribers SubscriberLister, builder PayloadBuilder, secrets SecretOpener, cfg config.Webhooks) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	return &Dispatcher{
		store:       store,
		subscribers: subscribers,
		builder:     builder,
		secrets:     secrets,
		client:      &fasthttp.Client{Name: "chipin-webhooks", MaxResponseBodySize: 1 << 20},
		cfg:         cfg,
		nowFn:       time.Now,
	}
}

// Emit enqueues one event for a subscriber and returns its id, or "" when the
// event could not be stored. It never fails the caller.
func (d *Dispatcher) Emit(ctx context.Context, subscriberID string, t domain.EventType, data map[string]any, meta *domain.EventMeta) string {
	now := d.nowFn().UTC()
	ev := domain.WebhookEvent{
		ID:        uuid.NewString(),
		EventType: t,
		Status:    domain.WebhookPending,
		CreatedAt: now,
		Payload: domain.EventPayload{
			Type:      t,
			CreatedAt: now,
			Data:      data,
			Meta:      meta,
		},
	}
	ev.Payload.ID = ev.ID
	if subscriberID != "" {
		ev.SubscriberID = sql.NullString{String: subscriberID, Valid: true}
	}

	logCtx := log.WithFields(log.Fields{"event_id": ev.ID, "event_type": t, "api_key_id": subscriberID})
	if err := d.store.InsertEvent(ctx, ev); err != nil {
		logCtx.WithError(err).Error("Failed to enqueue webhook event")
		return ""
	}
	logCtx.Info("Webhook event enqueued")
	return ev.ID
}

// EmitForPartner enqueues the event once per active API key of the partner.
func (d *Dispatcher) EmitForPartner(ctx context.Context, partnerID string, t domain.EventType, data map[string]any, meta *domain.EventMeta) []string {
	keys, err := d.subscribers.ActiveAPIKeyIDs(ctx, partnerID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"partner_id": partnerID, "event_type": t}).Error("Failed to list partner API keys")
		return nil
	}
	if len(keys) == 0 {
		log.WithFields(log.Fields{"partner_id": partnerID, "event_type": t}).Warn("Partner has no active API keys, event dropped")
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id := d.Emit(ctx, key, t, data, meta); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ProcessQueue attempts delivery of up to limit due events.
func (d *Dispatcher) ProcessQueue(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = d.cfg.BatchSize
	}
	events, err := d.store.ListDue(ctx, d.nowFn().UTC(), d.cfg.MaxAttempts, limit)
	if err != nil {
		return Summary{}, err
	}
	if len(events) > 0 {
		log.WithField("count", len(events)).Info("Processing webhook batch")
	}

	var sum Summary
	for _, ev := range events {
		status, err := d.processEvent(ctx, ev)
		if err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Error("Failed to record webhook delivery")
		}
		sum.Processed++
		switch status {
		case domain.WebhookDelivered:
			sum.Delivered++
		case domain.WebhookPending:
			sum.Retrying++
		default:
			sum.Failed++
		}
	}
	return sum, nil
}

type deliveryResult struct {
	ok   bool
	code int
	body string
	err  string
}

func (d *Dispatcher) processEvent(ctx context.Context, ev domain.WebhookEvent) (domain.WebhookEventStatus, error) {
	logCtx := log.WithFields(log.Fields{"event_id": ev.ID, "event_type": ev.EventType})

	if !ev.SubscriberID.Valid || ev.SubscriberID.String == "" {
		logCtx.Warn("Webhook event has no subscriber")
		return d.terminal(ctx, ev, "no api key associated")
	}

	payload, err := d.resolvePayload(ctx, ev)
	if err != nil {
		logCtx.WithError(err).Warn("Webhook payload enrichment failed")
		return d.terminal(ctx, ev, "payload_enrichment_failed")
	}

	endpoints, err := d.store.ActiveEndpoints(ctx, ev.SubscriberID.String)
	if err != nil {
		return domain.WebhookPending, err
	}
	var targets []domain.WebhookEndpoint
	for _, e := range endpoints {
		if e.Subscribes(ev.EventType) {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		logCtx.Info("No endpoints subscribed, marking delivered")
		return domain.WebhookDelivered, d.store.RecordAttempt(ctx, ev.ID, domain.DeliveryAttempt{
			At: d.nowFn().UTC(), Attempts: ev.Attempts, Status: domain.WebhookDelivered,
		})
	}

	body, err := json.Marshal(payload.ForDelivery())
	if err != nil {
		return d.terminal(ctx, ev, "payload could not be encoded")
	}

	var failure *deliveryResult
	for _, e := range targets {
		res := d.deliver(e, ev.ID, body)
		logCtx.WithFields(log.Fields{
			"endpoint_id": e.ID,
			"success":     res.ok,
			"status_code": res.code,
		}).Info("Webhook delivery attempt")
		if !res.ok {
			r := res
			failure = &r
		}
	}

	now := d.nowFn().UTC()
	if failure == nil {
		return domain.WebhookDelivered, d.store.RecordAttempt(ctx, ev.ID, domain.DeliveryAttempt{
			At: now, Attempts: ev.Attempts, Status: domain.WebhookDelivered,
		})
	}

	attempt := domain.DeliveryAttempt{At: now, Attempts: ev.Attempts + 1, Status: domain.WebhookPending}
	if failure.code > 0 {
		attempt.ResponseCode = sql.NullInt64{Int64: int64(failure.code), Valid: true}
	}
	msg := failure.body
	if msg == "" {
		msg = failure.err
	}
	if msg != "" {
		attempt.ResponseBody = sql.NullString{String: truncate(msg), Valid: true}
	}
	if attempt.Attempts >= d.cfg.MaxAttempts {
		attempt.Status = domain.WebhookFailed
		logCtx.WithField("attempts", attempt.Attempts).Warn("Webhook event exhausted its retries")
	} else {
		attempt.NextAttempt = sql.NullTime{Time: now.Add(Backoff(attempt.Attempts)), Valid: true}
	}
	return attempt.Status, d.store.RecordAttempt(ctx, ev.ID, attempt)
}

func (d *Dispatcher) terminal(ctx context.Context, ev domain.WebhookEvent, reason string) (domain.WebhookEventStatus, error) {
	return domain.WebhookFailed, d.store.RecordAttempt(ctx, ev.ID, domain.DeliveryAttempt{
		At:           d.nowFn().UTC(),
		Attempts:     ev.Attempts + 1,
		Status:       domain.WebhookFailed,
		ResponseBody: sql.NullString{String: reason, Valid: true},
	})
}

func (d *Dispatcher) resolvePayload(ctx context.Context, ev domain.WebhookEvent) (domain.EventPayload, error) {
	meta := ev.Payload.Meta
	if meta == nil || !meta.EnrichmentRequired {
		return ev.Payload, nil
	}
	if meta.PageID == "" {
		return domain.EventPayload{}, errors.New("enrichment requested without a page id")
	}
	if d.builder == nil {
		return domain.EventPayload{}, errors.New("no payload builder configured")
	}
	page, err := d.builder.BuildPagePayload(ctx, meta.PageID)
	if err != nil {
		return domain.EventPayload{}, err
	}

	data := ev.Payload.Data
	switch ev.Payload.Type {
	case domain.EventContributionReceived:
		contribution, ok := ev.Payload.Data["contribution"]
		if !ok || contribution == nil {
			return domain.EventPayload{}, errors.New("contribution missing from payload")
		}
		data = map[string]any{"contribution": contribution, "dream_board": page}
	case domain.EventPayoutCreated, domain.EventPayoutCompleted, domain.EventPayoutFailed:
		payout, ok := ev.Payload.Data["payout"]
		if !ok || payout == nil {
			return domain.EventPayload{}, errors.New("payout missing from payload")
		}
		data = map[string]any{"payout": payout, "dream_board": page}
	case domain.EventPotFunded, domain.EventPotClosed:
		data = page
	}

	enriched := domain.EventPayload{
		ID:        ev.Payload.ID,
		Type:      ev.Payload.Type,
		CreatedAt: ev.Payload.CreatedAt,
		Data:      data,
	}
	if err := d.store.UpdatePayload(ctx, ev.ID, enriched); err != nil {
		return domain.EventPayload{}, err
	}
	return enriched, nil
}

// Sign computes the X-Chipin-Signature value for body at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + t + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) deliver(e domain.WebhookEndpoint, eventID string, body []byte) deliveryResult {
	if d.secrets == nil {
		return deliveryResult{err: "webhook secret key is not configured"}
	}
	secret, err := d.secrets.Decrypt(e.Secret)
	if err != nil {
		return deliveryResult{err: fmt.Sprintf("secret decrypt failed: %v", err)}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(e.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(SignatureHeader, Sign(secret, d.nowFn(), body))
	req.Header.Set(EventIDHeader, eventID)
	req.SetBody(body)

	if err := d.client.DoTimeout(req, resp, d.cfg.DeliveryTimeout); err != nil {
		return deliveryResult{err: err.Error()}
	}
	code := resp.StatusCode()
	res := deliveryResult{code: code, body: truncate(string(resp.Body()))}
	if code >= 200 && code < 300 {
		res.ok = true
	} else {
		res.err = fmt.Sprintf("HTTP %d", code)
	}
	return res
}

func truncate(s string) string {
	if len(s) <= responseBodyLimit {
		return s
	}
	return strings.ToValidUTF8(s[:responseBodyLimit], "")
}
