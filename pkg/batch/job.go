package batch

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
)

// DefaultMaxOperations caps the operations of one submission.
const DefaultMaxOperations = 500

const operationPrefix = "report_"

// Job is an in-flight batch job. It is part of the persisted pipeline state.
type Job struct {
	ID                string                     `json:"id"`
	Status            string                     `json:"status"`
	SubmittedAt       time.Time                  `json:"submitted_at"`
	Polls             int                        `json:"polls"`
	NextPollAt        time.Time                  `json:"next_poll_at"`
	Operations        []mailchimp.BatchOperation `json:"operations"`
	ResultURL         string                     `json:"result_url,omitempty"`
	ErroredOperations int                        `json:"errored_operations"`
}

// Elapsed returns the time since submission.
func (j *Job) Elapsed(now time.Time) time.Duration {
	return now.Sub(j.SubmittedAt)
}

// Window identifies one page of one campaign's email activity.
type Window struct {
	CampaignID string
	Offset     int
}

// OperationID returns the batch operation ID of the window.
func (w Window) OperationID() string {
	return operationPrefix + w.CampaignID + "_" + strconv.Itoa(w.Offset)
}

// Operation builds the batch operation reading the window.
func (w Window) Operation(pageSize int) mailchimp.BatchOperation {
	return mailchimp.BatchOperation{
		Method:      http.MethodGet,
		Path:        "/" + mailchimp.ActivityPath(w.CampaignID),
		OperationID: w.OperationID(),
		Params:      mailchimp.ActivityParams(w.Offset, pageSize),
	}
}

// ParseOperationID is the inverse of Window.OperationID.
func ParseOperationID(id string) (Window, error) {
	rest, ok := strings.CutPrefix(id, operationPrefix)
	if !ok {
		return Window{}, fmt.Errorf("unknown operation id %q", id)
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return Window{}, fmt.Errorf("malformed operation id %q", id)
	}
	offset, err := strconv.Atoi(rest[i+1:])
	if err != nil || offset < 0 {
		return Window{}, fmt.Errorf("malformed offset in operation id %q", id)
	}
	return Window{CampaignID: rest[:i], Offset: offset}, nil
}

// Plan returns the initial operations for campaigns, in campaign order, and
// the next unplanned offset of each campaign.
func Plan(campaigns []mailchimp.Campaign, pageSize int) ([]mailchimp.BatchOperation, map[string]int) {
	ops := make([]mailchimp.BatchOperation, 0, len(campaigns))
	planned := make(map[string]int, len(campaigns))
	for _, c := range campaigns {
		offset := 0
		for {
			ops = append(ops, Window{CampaignID: c.ID, Offset: offset}.Operation(pageSize))
			offset += pageSize
			if offset >= c.EmailsSent {
				break
			}
		}
		planned[c.ID] = offset
	}
	return ops, planned
}

// FollowUps returns operations for the windows between planned and total.
func FollowUps(campaignID string, planned, total, pageSize int) []mailchimp.BatchOperation {
	var ops []mailchimp.BatchOperation
	for offset := planned; offset < total; offset += pageSize {
		ops = append(ops, Window{CampaignID: campaignID, Offset: offset}.Operation(pageSize))
	}
	return ops
}

// Take splits ops into the next submission and the remainder.
func Take(ops []mailchimp.BatchOperation, max int) (next, rest []mailchimp.BatchOperation) {
	if max <= 0 {
		max = DefaultMaxOperations
	}
	if len(ops) <= max {
		return ops, nil
	}
	return ops[:max], ops[max:]
}

// Page is one decoded operation result. Window comes from the operation ID
// and is authoritative for which campaign the page belongs to.
type Page struct {
	Window
	mailchimp.ActivityPage
}

// DecodeResults checks and decodes the results of job, ordered by the
// campaign order given in order and then by offset. Every operation of the
// job must have exactly one 2xx result.
func DecodeResults(job *Job, results []mailchimp.OperationResult, order []string) ([]Page, error) {
	expected := make(map[string]bool, len(job.Operations))
	for _, op := range job.Operations {
		expected[op.OperationID] = true
	}

	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	pages := make([]Page, 0, len(results))
	for _, res := range results {
		if !expected[res.OperationID] {
			return nil, fmt.Errorf("unexpected operation %q in batch %s", res.OperationID, job.ID)
		}
		delete(expected, res.OperationID)

		if res.StatusCode < 200 || res.StatusCode > 299 {
			return nil, fmt.Errorf("%w: operation %s returned status %d", ErrBatchErroredOperations, res.OperationID, res.StatusCode)
		}
		w, err := ParseOperationID(res.OperationID)
		if err != nil {
			return nil, err
		}
		page, err := mailchimp.ParseActivityPage([]byte(res.Response))
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", res.OperationID, err)
		}
		pages = append(pages, Page{Window: w, ActivityPage: page})
	}

	if len(expected) > 0 {
		return nil, fmt.Errorf("batch %s is missing %d operation results", job.ID, len(expected))
	}

	sort.SliceStable(pages, func(i, j int) bool {
		ri, rj := rank[pages[i].Window.CampaignID], rank[pages[j].Window.CampaignID]
		if ri != rj {
			return ri < rj
		}
		return pages[i].Window.Offset < pages[j].Window.Offset
	})
	return pages, nil
}
