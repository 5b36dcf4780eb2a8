package disbursement

import (
	"context"
	"errors"
	"fmt"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
)

// CardDecrypter opens card numbers stored encrypted at rest.
type CardDecrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type KarriHandler struct {
	api *apiClient
	box CardDecrypter
}

func NewKarriHandler(cfg config.Integration, box CardDecrypter) *KarriHandler {
	return &KarriHandler{api: newAPIClient("karri", cfg), box: box}
}

type karriTopUpRequest struct {
	CardNumber  string `json:"cardNumber"`
	AmountCents int64  `json:"amountCents"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

func (h *KarriHandler) Process(ctx context.Context, p *domain.Payout) (Result, error) {
	encrypted := p.RecipientString("card_number_encrypted")
	if encrypted == "" {
		return Result{}, errors.New("karri card number is missing")
	}
	if h.box == nil {
		return Result{}, errors.New("card encryption key is not configured")
	}
	cardNumber, err := h.box.Decrypt(encrypted)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decrypt karri card number: %w", err)
	}

	data, err := h.api.post(ctx, "/topups", karriTopUpRequest{
		CardNumber:  cardNumber,
		AmountCents: p.NetCents,
		Reference:   p.ID,
		Description: fmt.Sprintf("%s gift top-up", displayName(p)),
	})
	if err != nil {
		return Result{}, err
	}

	txID := stringField(data, "transactionId", "id")
	if txID == "" {
		return Result{}, errors.New("karri response missing transactionId")
	}
	status, err := parseStatus("karri", data["status"])
	if err != nil {
		return Result{}, err
	}
	res := Result{Status: status, ExternalRef: txID, ErrorMessage: stringField(data, "errorMessage")}
	if status == domain.AutomationFailed && res.ErrorMessage == "" {
		res.ErrorMessage = "Karri top-up failed"
	}
	return res, nil
}

func displayName(p *domain.Payout) string {
	if p.ChildName != "" {
		return p.ChildName
	}
	return "Dream Board"
}
