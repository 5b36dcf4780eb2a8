package reminder

import (
	"fmt"
	"html"
	"strings"
	"time"

	"chipin-service/internal/domain"
	"chipin-service/internal/sender"
	"chipin-service/internal/validator"
)

const WhatsAppTemplate = "contribution_reminder"

// Vars collects the template variables for r. The close date is the
// campaign end date, falling back to the party date.
func Vars(r *domain.DueReminder, appURL string) (validator.ReminderVars, error) {
	v := validator.ReminderVars{
		ChildName: r.ChildName,
		GiftName:  r.GiftName,
	}
	if strings.TrimSpace(r.Slug) != "" {
		v.PageURL = strings.TrimRight(appURL, "/") + "/" + r.Slug
	}
	switch {
	case r.CampaignEndDate.Valid:
		v.CampaignCloseDate = r.CampaignEndDate.Time.Format(time.DateOnly)
	case r.PartyDate.Valid:
		v.CampaignCloseDate = r.PartyDate.Time.Format(time.DateOnly)
	}
	return validator.ValidateReminderVars(v)
}

func BuildEmail(to string, v validator.ReminderVars) sender.Email {
	child := html.EscapeString(v.ChildName)
	gift := html.EscapeString(v.GiftName)
	url := html.EscapeString(v.PageURL)
	closes := html.EscapeString(v.CampaignCloseDate)

	return sender.Email{
		To:      strings.ToLower(strings.TrimSpace(to)),
		Subject: fmt.Sprintf("Reminder: chip in for %s's gift", v.ChildName),
		HTML: "<p>Hi there,</p>" +
			fmt.Sprintf("<p>%s's Dreamboard for <strong>%s</strong> is still open.</p>", child, gift) +
			fmt.Sprintf("<p>Please chip in before <strong>%s</strong>.</p>", closes) +
			fmt.Sprintf(`<p><a href="%s">Chip in now</a></p>`, url) +
			"<p>If you've already chipped in, thank you.</p>",
		Text: strings.Join([]string{
			fmt.Sprintf("Reminder: %s's Dreamboard for %s is still open.", v.ChildName, v.GiftName),
			fmt.Sprintf("Chip in before %s.", v.CampaignCloseDate),
			fmt.Sprintf("Chip in now: %s", v.PageURL),
		}, "\n"),
	}
}

// WhatsAppParams are the body parameters of the reminder template, in order.
func WhatsAppParams(v validator.ReminderVars) []string {
	return []string{v.ChildName, v.GiftName, v.PageURL, v.CampaignCloseDate}
}
