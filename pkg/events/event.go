// Package events projects synchronized campaigns and email activity into
// analytics events.
//
// Projection is pure: the same campaigns and reports always produce the same
// events in the same order, with the same UUIDs. Sinks may therefore
// de-duplicate a chunk that was delivered twice.
package events

import (
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
)

// Event names as they appear in the sink.
const (
	NameDelivered = "Mailchimp email delivered"
	NameOpened    = "Mailchimp email opened"
	NameClicked   = "Mailchimp email link clicked"
	NameBounced   = "Mailchimp email bounced"
)

// Event is one analytics event.
type Event struct {
	Event      string     `json:"event"`
	Timestamp  string     `json:"timestamp"`
	UUID       string     `json:"uuid"`
	Properties Properties `json:"properties"`
}

// Properties are the event properties, named the way the sink expects them.
type Properties struct {
	DistinctID         string `json:"distinct_id"`
	Email              string `json:"$email"`
	RecipientEmail     string `json:"mc_recipient_email"`
	EmailID            string `json:"mc_email_id"`
	ListID             string `json:"mc_list_id"`
	CampaignID         string `json:"mc_campaign_id"`
	CampaignTitle      string `json:"mc_campaign_title"`
	SubjectLine        string `json:"mc_subject_line"`
	DeliverySuccessful bool   `json:"mc_delivery_successful"`
	BounceType         string `json:"mc_bounce_type,omitempty"`
	ClickURL           string `json:"mc_click_url,omitempty"`
	IP                 string `json:"$ip,omitempty"`
}

// NameForAction maps an activity action to its event name. Unknown actions
// return false.
func NameForAction(action string) (string, bool) {
	switch action {
	case mailchimp.ActionOpen:
		return NameOpened, true
	case mailchimp.ActionClick:
		return NameClicked, true
	case mailchimp.ActionBounce:
		return NameBounced, true
	default:
		return "", false
	}
}
