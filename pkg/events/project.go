package events

import (
	"strconv"
	"strings"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// namespace scopes the deterministic event UUIDs.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/Sternrassler/mailchimp-activity-sync/events"))

// Project maps reports to events.
//
// Order: report order, then record order, then activity order; each record's
// Delivered event comes after its action events. Every record yields exactly
// one Delivered event, whose mc_delivery_successful is false iff the record
// holds a bounce. A report without a matching campaign gets empty title,
// subject line and send time.
func Project(campaigns []mailchimp.Campaign, reports []mailchimp.Report) []Event {
	byID := make(map[string]mailchimp.Campaign, len(campaigns))
	for _, c := range campaigns {
		byID[c.ID] = c
	}

	size := 0
	for _, r := range reports {
		for _, rec := range r.Emails {
			size += len(rec.Activity) + 1
		}
	}
	out := make([]Event, 0, size)

	skipped := 0
	for _, report := range reports {
		campaign, ok := byID[report.CampaignID]
		if !ok {
			log.Warn().
				Str("campaign_id", report.CampaignID).
				Msg("Report has no matching campaign, projecting without campaign details")
		}

		for _, rec := range report.Emails {
			common := Properties{
				DistinctID:         rec.EmailAddress,
				Email:              rec.EmailAddress,
				RecipientEmail:     rec.EmailAddress,
				EmailID:            rec.EmailID,
				ListID:             rec.ListID,
				CampaignID:         report.CampaignID,
				CampaignTitle:      campaign.Title,
				SubjectLine:        campaign.SubjectLine,
				DeliverySuccessful: delivered(rec),
			}

			for i, entry := range rec.Activity {
				name, known := NameForAction(entry.Action)
				if !known {
					skipped++
					continue
				}

				props := common
				switch entry.Action {
				case mailchimp.ActionClick:
					props.ClickURL = entry.URL
					props.IP = entry.IP
				case mailchimp.ActionOpen:
					props.IP = entry.IP
				case mailchimp.ActionBounce:
					props.BounceType = entry.BounceType
				}

				out = append(out, Event{
					Event:      name,
					Timestamp:  entry.Timestamp,
					UUID:       eventUUID(report.CampaignID, rec.EmailID, name, entry.Timestamp, i),
					Properties: props,
				})
			}

			out = append(out, Event{
				Event:      NameDelivered,
				Timestamp:  campaign.SendTime,
				UUID:       eventUUID(report.CampaignID, rec.EmailID, NameDelivered, campaign.SendTime, -1),
				Properties: common,
			})
		}
	}

	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("Skipped activity entries with unknown actions")
	}
	return out
}

// delivered is false iff the record holds a bounce.
func delivered(rec mailchimp.EmailActivity) bool {
	for _, entry := range rec.Activity {
		if entry.Action == mailchimp.ActionBounce {
			return false
		}
	}
	return true
}

func eventUUID(campaignID, emailID, name, timestamp string, index int) string {
	key := strings.Join([]string{campaignID, emailID, name, timestamp, strconv.Itoa(index)}, "|")
	return uuid.NewSHA1(namespace, []byte(key)).String()
}
