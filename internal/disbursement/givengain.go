package disbursement

import (
	"context"
	"errors"

	"chipin-service/internal/config"
	"chipin-service/internal/domain"
)

const fallbackDonorEmail = "noreply@chipin.co.za"

type GivenGainHandler struct {
	api *apiClient
}

func NewGivenGainHandler(cfg config.Integration) *GivenGainHandler {
	return &GivenGainHandler{api: newAPIClient("givengain", cfg)}
}

type donationRequest struct {
	CauseID     string `json:"causeId"`
	AmountCents int64  `json:"amountCents"`
	DonorName   string `json:"donorName"`
	DonorEmail  string `json:"donorEmail"`
	Reference   string `json:"reference"`
	Message     string `json:"message,omitempty"`
}

// Process creates the donation. Receipt and certificate URLs come back as
// documents whatever the donation status.
func (h *GivenGainHandler) Process(ctx context.Context, p *domain.Payout) (Result, error) {
	causeID := p.RecipientString("cause_id")
	if causeID == "" {
		return Result{}, errors.New("donation cause is missing")
	}
	donorName := p.ChildName
	if donorName == "" {
		donorName = "ChipIn donor"
	}
	donorEmail := p.PayoutEmail
	if donorEmail == "" {
		donorEmail = fallbackDonorEmail
	}

	data, err := h.api.post(ctx, "/donations", donationRequest{
		CauseID:     causeID,
		AmountCents: p.NetCents,
		DonorName:   donorName,
		DonorEmail:  donorEmail,
		Reference:   p.ID,
		Message:     "ChipIn group gift donation",
	})
	if err != nil {
		return Result{}, err
	}

	donationID := stringField(data, "donationId", "id")
	if donationID == "" {
		return Result{}, errors.New("givengain response missing donationId")
	}
	status, err := parseStatus("givengain", data["status"])
	if err != nil {
		return Result{}, err
	}

	res := Result{Status: status, ExternalRef: donationID, ErrorMessage: stringField(data, "errorMessage")}
	if status == domain.AutomationFailed && res.ErrorMessage == "" {
		res.ErrorMessage = "Donation automation failed"
	}
	docs := map[string]any{}
	if v := stringField(data, "receiptUrl"); v != "" {
		docs["receipt_url"] = v
	}
	if v := stringField(data, "certificateUrl"); v != "" {
		docs["certificate_url"] = v
	}
	if len(docs) > 0 {
		res.Documents = docs
	}
	return res, nil
}
