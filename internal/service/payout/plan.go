package payout

import "chipin-service/internal/domain"

// Calculate splits a page's completed totals into the gift share and the
// donation share. Anything raised beyond the goal overflows to the page's
// cause together with the amount guests earmarked for charity.
func Calculate(page *domain.FundingPage, totals domain.ContributionTotals) domain.PayoutCalculation {
	calc := domain.PayoutCalculation{
		RaisedCents:  totals.NetCents,
		GrossCents:   totals.GrossCents,
		FeeCents:     totals.FeeCents,
		CharityCents: min(totals.CharityCents, totals.NetCents),
	}
	if calc.RaisedCents <= 0 {
		calc.RaisedCents = 0
		calc.CharityCents = 0
		return calc
	}

	if page.GiftType == domain.GiftTypePhilanthropy {
		calc.CharityCents = calc.RaisedCents
		return calc
	}

	available := calc.RaisedCents - calc.CharityCents
	if page.GoalCents > 0 && available > page.GoalCents {
		calc.OverflowCents = available - page.GoalCents
	}
	calc.GiftCents = available - calc.OverflowCents
	return calc
}

// Plans returns every payout a page is owed: the page's payout method for the
// gift share and a donation for charity and overflow. Pages that pay out to a
// cause get a single donation.
func Plans(page *domain.FundingPage, calc domain.PayoutCalculation) []domain.PayoutPlan {
	var plans []domain.PayoutPlan

	single := page.GiftType == domain.GiftTypePhilanthropy || page.PayoutMethod == domain.PayoutDonation
	donation := calc.CharityCents + calc.OverflowCents
	if single {
		donation = calc.RaisedCents
	}

	if !single && calc.GiftCents > 0 {
		plans = append(plans, domain.PayoutPlan{
			PageID:        page.ID,
			PartnerID:     page.PartnerID,
			Type:          page.PayoutMethod,
			ItemType:      domain.PayoutItemGift,
			GrossCents:    calc.GiftCents + calc.FeeCents,
			FeeCents:      calc.FeeCents,
			NetCents:      calc.GiftCents,
			RecipientData: giftRecipient(page),
			Calculation:   calc,
		})
	}

	if donation > 0 {
		gross := donation
		fee := int64(0)
		if single {
			gross = donation + calc.FeeCents
			fee = calc.FeeCents
		}
		plans = append(plans, domain.PayoutPlan{
			PageID:        page.ID,
			PartnerID:     page.PartnerID,
			Type:          domain.PayoutDonation,
			ItemType:      domain.PayoutItemCharity,
			GrossCents:    gross,
			FeeCents:      fee,
			CharityCents:  donation,
			NetCents:      donation,
			RecipientData: donationRecipient(page),
			Calculation:   calc,
		})
	}
	return plans
}

func giftRecipient(page *domain.FundingPage) map[string]any {
	data := map[string]any{
		"email":        page.PayoutEmail,
		"child_name":   page.ChildName,
		"product_name": page.GiftName,
	}
	if page.PayoutMethod == domain.PayoutKarriTopUp {
		if page.KarriCardNumber.Valid {
			data["card_number_encrypted"] = page.KarriCardNumber.String
		}
		if page.KarriCardHolderName.Valid {
			data["card_holder_name"] = page.KarriCardHolderName.String
		}
	}
	return data
}

func donationRecipient(page *domain.FundingPage) map[string]any {
	data := map[string]any{
		"email":      page.PayoutEmail,
		"child_name": page.ChildName,
	}
	if page.OverflowCauseID.Valid {
		data["cause_id"] = page.OverflowCauseID.String
	}
	return data
}
