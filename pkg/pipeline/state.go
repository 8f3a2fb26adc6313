package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/events"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/google/uuid"
)

// StateVersion is bumped whenever State changes incompatibly.
const StateVersion = 1

// Resource names, used in logs, metrics and errors.
const (
	ResourceCampaigns = "campaigns"
	ResourceReports   = "reports"
	ResourceDispatch  = "dispatch"
)

// ResourceState is the loading state of one resource.
type ResourceState string

const (
	StateNotStarted ResourceState = "not_started"
	StateLoading    ResourceState = "loading"
	StateLoaded     ResourceState = "loaded"
	StateError      ResourceState = "error"
)

// ErrInvalidTransition is returned for a transition the machine does not allow.
var ErrInvalidTransition = errors.New("invalid resource state transition")

// Resource tracks one resource through
// not_started -> loading -> loaded | error. Loaded and error only leave
// through Reset.
type Resource struct {
	State ResourceState `json:"state"`

	// Error holds the failure that moved the resource to error.
	Error string `json:"error,omitempty"`

	// Attempts counts consecutive malformed responses for the current unit of work.
	Attempts int `json:"attempts,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Terminal reports whether the resource is loaded or in error.
func (r *Resource) Terminal() bool {
	return r.State == StateLoaded || r.State == StateError
}

// Start moves a not_started resource to loading.
func (r *Resource) Start(now time.Time) error {
	if r.State != StateNotStarted && r.State != "" {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, r.State)
	}
	r.State = StateLoading
	r.UpdatedAt = now
	return nil
}

// PageComplete records a completed unit of work; final moves the resource to loaded.
func (r *Resource) PageComplete(final bool, now time.Time) error {
	if r.State != StateLoading {
		return fmt.Errorf("%w: page complete in %s", ErrInvalidTransition, r.State)
	}
	r.Attempts = 0
	r.UpdatedAt = now
	if final {
		r.State = StateLoaded
	}
	return nil
}

// Progress records a well-formed response that did not finish a unit of
// work, such as a batch status poll. It clears the malformed-response count.
func (r *Resource) Progress(now time.Time) {
	r.Attempts = 0
	r.UpdatedAt = now
}

// Fail moves a non-terminal resource to error.
func (r *Resource) Fail(cause error, now time.Time) error {
	if r.Terminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, r.State)
	}
	r.State = StateError
	r.Error = cause.Error()
	r.UpdatedAt = now
	return nil
}

// Reset returns the resource to not_started.
func (r *Resource) Reset() {
	*r = Resource{State: StateNotStarted}
}

// CampaignsState is the campaign list resource.
type CampaignsState struct {
	Resource
	Items      []mailchimp.Campaign `json:"items"`
	TotalItems *int                 `json:"total_items,omitempty"`
}

// ReportsState is the per-campaign report resource. Reports holds one report
// per campaign in campaign order; Queue holds the campaigns still loading.
type ReportsState struct {
	Resource
	Queue   []string           `json:"queue"`
	Reports []mailchimp.Report `json:"reports"`
	Batch   BatchState         `json:"batch"`
}

// BatchState is the batch job resource of batch mode.
type BatchState struct {
	Job *batch.Job `json:"job,omitempty"`

	// Pending operations wait for the next submission.
	Pending []mailchimp.BatchOperation `json:"pending,omitempty"`

	// Planned is the next unplanned offset per campaign.
	Planned map[string]int `json:"planned,omitempty"`

	Submissions int `json:"submissions"`
}

// DispatchState is the event delivery resource.
type DispatchState struct {
	Resource
	Events []events.Event `json:"events,omitempty"`
	Cursor int            `json:"cursor"`
	Total  int            `json:"total"`
}

// State is everything a pipeline carries from one tick to the next. The host
// persists it between ticks.
type State struct {
	Version   int            `json:"version"`
	CycleID   string         `json:"cycle_id"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Campaigns CampaignsState `json:"campaigns"`
	Reports   ReportsState   `json:"reports"`
	Dispatch  DispatchState  `json:"dispatch"`
}

// NewState returns the state of a fresh cycle.
func NewState(now time.Time) State {
	st := State{
		Version:   StateVersion,
		CycleID:   uuid.NewString(),
		StartedAt: now,
		UpdatedAt: now,
	}
	st.Campaigns.State = StateNotStarted
	st.Reports.State = StateNotStarted
	st.Dispatch.State = StateNotStarted
	return st
}

// Phase names the resource the next tick works on, "halted" when a resource
// is in error, or "idle" when the cycle is complete.
func (s *State) Phase() string {
	for _, r := range []struct {
		name string
		res  *Resource
	}{
		{ResourceCampaigns, &s.Campaigns.Resource},
		{ResourceReports, &s.Reports.Resource},
		{ResourceDispatch, &s.Dispatch.Resource},
	} {
		switch r.res.State {
		case StateLoaded:
			continue
		case StateError:
			return "halted"
		default:
			return r.name
		}
	}
	return "idle"
}

// Done reports whether the cycle can no longer advance.
func (s *State) Done() bool {
	p := s.Phase()
	return p == "idle" || p == "halted"
}

// Report returns the report of campaignID, or nil.
func (s *State) Report(campaignID string) *mailchimp.Report {
	for i := range s.Reports.Reports {
		if s.Reports.Reports[i].CampaignID == campaignID {
			return &s.Reports.Reports[i]
		}
	}
	return nil
}

// clone copies the parts of s that a tick mutates in place.
func (s State) clone() State {
	out := s
	out.Campaigns.Items = append([]mailchimp.Campaign(nil), s.Campaigns.Items...)
	out.Reports.Queue = append([]string(nil), s.Reports.Queue...)
	out.Reports.Reports = append([]mailchimp.Report(nil), s.Reports.Reports...)
	out.Reports.Batch.Pending = append([]mailchimp.BatchOperation(nil), s.Reports.Batch.Pending...)
	if s.Reports.Batch.Job != nil {
		job := *s.Reports.Batch.Job
		out.Reports.Batch.Job = &job
	}
	if s.Reports.Batch.Planned != nil {
		out.Reports.Batch.Planned = make(map[string]int, len(s.Reports.Batch.Planned))
		for k, v := range s.Reports.Batch.Planned {
			out.Reports.Batch.Planned[k] = v
		}
	}
	return out
}
