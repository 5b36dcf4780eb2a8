package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chipin-service/internal/validator"

	log "github.com/sirupsen/logrus"
)

var ErrWhatsAppNotConfigured = errors.New("whatsapp cloud api credentials are missing")

// WhatsAppResult carries the provider message id. Skipped is set when the
// number could not be normalized and nothing was sent.
type WhatsAppResult struct {
	MessageID string
	Skipped   bool
}

type WhatsAppSender interface {
	SendTemplate(ctx context.Context, phone, template string, params []string, language string) (WhatsAppResult, error)
}

type CloudWhatsAppSender struct {
	client          *http.Client
	messagesURL     string
	accessToken     string
	defaultLanguage string
}

func NewCloudWhatsAppSender(baseURL, version, phoneNumberID, accessToken, defaultLanguage string) *CloudWhatsAppSender {
	return &CloudWhatsAppSender{
		client:          &http.Client{Timeout: 10 * time.Second},
		messagesURL:     fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(baseURL, "/"), version, phoneNumberID),
		accessToken:     accessToken,
		defaultLanguage: defaultLanguage,
	}
}

type waParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waParameter `json:"parameters"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components"`
}

type waRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Template         waTemplate `json:"template"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error json.RawMessage `json:"error"`
}

func (s *CloudWhatsAppSender) SendTemplate(ctx context.Context, phone, template string, params []string, language string) (WhatsAppResult, error) {
	if s.accessToken == "" {
		return WhatsAppResult{}, ErrWhatsAppNotConfigured
	}
	to, ok := validator.NormalizeSAMobile(phone)
	if !ok {
		log.WithField("phone_number", phone).Warn("Invalid WhatsApp number, skipping send")
		return WhatsAppResult{Skipped: true}, nil
	}
	if language == "" {
		language = s.defaultLanguage
	}

	req := waRequest{MessagingProduct: "whatsapp", To: to, Type: "template"}
	req.Template.Name = template
	req.Template.Language.Code = language
	body := waComponent{Type: "body"}
	for _, p := range params {
		body.Parameters = append(body.Parameters, waParameter{Type: "text", Text: p})
	}
	req.Template.Components = []waComponent{body}

	payload, err := json.Marshal(req)
	if err != nil {
		return WhatsAppResult{}, fmt.Errorf("failed to marshal whatsapp request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messagesURL, bytes.NewReader(payload))
	if err != nil {
		return WhatsAppResult{}, fmt.Errorf("failed to build whatsapp request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WhatsAppResult{}, fmt.Errorf("failed to call whatsapp api: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed waResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(raw)
		if len(parsed.Error) > 0 {
			detail = string(parsed.Error)
		}
		return WhatsAppResult{}, fmt.Errorf("whatsapp api failed (%d): %s", resp.StatusCode, detail)
	}

	result := WhatsAppResult{}
	if len(parsed.Messages) > 0 {
		result.MessageID = parsed.Messages[0].ID
	}
	return result, nil
}
