package mailchimp

// Campaign is a sent campaign. Immutable once fetched.
type Campaign struct {
	ID          string `json:"id"`
	EmailsSent  int    `json:"emails_sent"`
	SendTime    string `json:"send_time"`
	SubjectLine string `json:"subject_line"`
	Title       string `json:"title"`
}

// Activity actions reported by the email-activity endpoint.
const (
	ActionOpen   = "open"
	ActionClick  = "click"
	ActionBounce = "bounce"
)

// ActivityEntry is one action taken on one delivered email.
type ActivityEntry struct {
	Action     string `json:"action"`
	Timestamp  string `json:"timestamp"`
	URL        string `json:"url,omitempty"`
	IP         string `json:"ip,omitempty"`
	BounceType string `json:"type,omitempty"`
}

// EmailActivity is one recipient's full activity on one campaign.
type EmailActivity struct {
	ListID       string          `json:"list_id"`
	EmailID      string          `json:"email_id"`
	EmailAddress string          `json:"email_address"`
	Activity     []ActivityEntry `json:"activity"`
}

// ActivityPage is one page of a campaign's email activity.
type ActivityPage struct {
	CampaignID string
	TotalItems int
	Emails     []EmailActivity
}

// Batch status values.
const (
	BatchPending       = "pending"
	BatchPreprocessing = "preprocessing"
	BatchStarted       = "started"
	BatchFinalizing    = "finalizing"
	BatchFinished      = "finished"
)

// BatchOperation is one sub-request of a batch.
type BatchOperation struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	OperationID string            `json:"operation_id"`
	Params      map[string]string `json:"params,omitempty"`
}

// Batch is the status of a submitted batch.
type Batch struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	TotalOperations    int    `json:"total_operations"`
	FinishedOperations int    `json:"finished_operations"`
	ErroredOperations  int    `json:"errored_operations"`
	SubmittedAt        string `json:"submitted_at,omitempty"`
	CompletedAt        string `json:"completed_at,omitempty"`
	ResponseBodyURL    string `json:"response_body_url,omitempty"`
}

// OperationResult is one entry of a finished batch's result archive.
type OperationResult struct {
	StatusCode  int    `json:"status_code"`
	OperationID string `json:"operation_id"`

	// Response is the operation's JSON body, encoded as a string.
	Response string `json:"response"`
}

// wire formats

type apiCampaign struct {
	ID         string `json:"id"`
	EmailsSent int    `json:"emails_sent"`
	SendTime   string `json:"send_time"`
	Settings   struct {
		SubjectLine string `json:"subject_line"`
		Title       string `json:"title"`
	} `json:"settings"`
}

func (c apiCampaign) toCampaign() Campaign {
	return Campaign{
		ID:          c.ID,
		EmailsSent:  c.EmailsSent,
		SendTime:    c.SendTime,
		SubjectLine: c.Settings.SubjectLine,
		Title:       c.Settings.Title,
	}
}

type campaignsResponse struct {
	Campaigns  *[]apiCampaign `json:"campaigns"`
	TotalItems *int           `json:"total_items"`
}

type emailActivityResponse struct {
	CampaignID string           `json:"campaign_id"`
	Emails     *[]EmailActivity `json:"emails"`
	TotalItems *int             `json:"total_items"`
}

type batchRequest struct {
	Operations []BatchOperation `json:"operations"`
}

type apiErrorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// Report accumulates one campaign's email activity across pages. TotalItems
// is nil until the first page returns it.
type Report struct {
	CampaignID string          `json:"campaign_id"`
	TotalItems *int            `json:"total_items,omitempty"`
	Emails     []EmailActivity `json:"emails"`
}

// Complete reports whether every record announced by the API is held.
func (r *Report) Complete() bool {
	return r.TotalItems != nil && len(r.Emails) >= *r.TotalItems
}
