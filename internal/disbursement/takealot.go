package disbursement

import (
	"context"
	"errors"
	"fmt"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
)

type TakealotHandler struct {
	api *apiClient
}

func NewTakealotHandler(cfg config.Integration) *TakealotHandler {
	return &TakealotHandler{api: newAPIClient("takealot", cfg)}
}

type giftCardRequest struct {
	AmountCents    int64  `json:"amountCents"`
	RecipientEmail string `json:"recipientEmail"`
	Reference      string `json:"reference"`
	Message        string `json:"message,omitempty"`
}

func (h *TakealotHandler) Process(ctx context.Context, p *domain.Payout) (Result, error) {
	email := p.RecipientString("email")
	if email == "" {
		email = p.PayoutEmail
	}
	if email == "" {
		return Result{}, errors.New("payout email is missing")
	}

	message := fmt.Sprintf("%s gift card", displayName(p))
	if product := p.RecipientString("product_name"); product != "" {
		message = "Gift card for " + product
	}

	data, err := h.api.post(ctx, "/gift-cards", giftCardRequest{
		AmountCents:    p.NetCents,
		RecipientEmail: email,
		Reference:      p.ID,
		Message:        message,
	})
	if err != nil {
		return Result{}, err
	}
	status, err := parseStatus("gift card", data["status"])
	if err != nil {
		return Result{}, err
	}

	res := Result{Status: status, ErrorMessage: stringField(data, "errorMessage")}
	if status == domain.AutomationFailed {
		if res.ErrorMessage == "" {
			res.ErrorMessage = "Gift card automation failed"
		}
		return res, nil
	}
	res.ExternalRef = stringField(data, "giftCardCode", "giftCardUrl", "orderId")
	if res.ExternalRef == "" {
		res.ExternalRef = "gift-card"
	}
	return res, nil
}
