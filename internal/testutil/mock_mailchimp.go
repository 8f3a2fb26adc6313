// Package testutil provides test doubles for the Mailchimp API, sinks and the
// state store.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
)

// MockResponse defines a fixed response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockMailchimp is an in-memory Marketing API serving campaigns, email
// activity and batches from a fixed dataset.
type MockMailchimp struct {
	server    *httptest.Server
	mu        sync.RWMutex
	handlers  map[string]func(w http.ResponseWriter, r *http.Request)
	campaigns []mailchimp.Campaign
	activity  map[string][]mailchimp.EmailActivity
	batches   map[string]*mockBatch
	nextBatch int

	// PollsUntilFinished is how many status polls a batch stays started.
	PollsUntilFinished int

	// Tracking
	RequestCount int
	PathCounts   map[string]int
	LastAuth     string
}

type mockBatch struct {
	ops   []mailchimp.BatchOperation
	polls int
}

// NewMockMailchimp creates a mock API server.
func NewMockMailchimp() *MockMailchimp {
	mock := &MockMailchimp{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		activity:   make(map[string][]mailchimp.EmailActivity),
		batches:    make(map[string]*mockBatch),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/3.0")

		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[path]++
		if _, pass, ok := r.BasicAuth(); ok {
			mock.LastAuth = pass
		}
		handler, exists := mock.handlers[path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r, path)
	}))

	return mock
}

// URL returns the API root, e.g. http://127.0.0.1:1234/3.0/
func (m *MockMailchimp) URL() string {
	return m.server.URL + "/3.0/"
}

// Close shuts down the mock server.
func (m *MockMailchimp) Close() {
	m.server.Close()
}

// AddCampaign adds a sent campaign and its email activity.
func (m *MockMailchimp) AddCampaign(c mailchimp.Campaign, emails []mailchimp.EmailActivity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.EmailsSent == 0 {
		c.EmailsSent = len(emails)
	}
	m.campaigns = append(m.campaigns, c)
	m.activity[c.ID] = emails
}

// SetHandler overrides the handler of a path (without the /3.0 prefix).
func (m *MockMailchimp) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// ClearHandler removes an override.
func (m *MockMailchimp) ClearHandler(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
}

// SetResponse configures a fixed response for a path.
func (m *MockMailchimp) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// Count returns the number of requests made to path.
func (m *MockMailchimp) Count(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockMailchimp) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

func (m *MockMailchimp) defaultHandler(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	switch {
	case path == "/campaigns" && r.Method == http.MethodGet:
		m.serveCampaigns(w, r)
	case strings.HasPrefix(path, "/reports/") && strings.HasSuffix(path, "/email-activity"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/reports/"), "/email-activity")
		m.serveActivity(w, id, r.URL.Query().Get("offset"), r.URL.Query().Get("count"))
	case path == "/batches" && r.Method == http.MethodPost:
		m.submitBatch(w, r)
	case strings.HasPrefix(path, "/batches/"):
		m.batchStatus(w, strings.TrimPrefix(path, "/batches/"))
	case strings.HasPrefix(path, "/results/"):
		m.serveResults(w, strings.TrimSuffix(strings.TrimPrefix(path, "/results/"), ".tar.gz"))
	default:
		writeProblem(w, http.StatusNotFound, "Resource Not Found")
	}
}

func (m *MockMailchimp) serveCampaigns(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset, count := window(r.URL.Query().Get("offset"), r.URL.Query().Get("count"), len(m.campaigns))
	type settings struct {
		SubjectLine string `json:"subject_line"`
		Title       string `json:"title"`
	}
	type wireCampaign struct {
		ID         string   `json:"id"`
		EmailsSent int      `json:"emails_sent"`
		SendTime   string   `json:"send_time"`
		Settings   settings `json:"settings"`
	}

	page := make([]wireCampaign, 0, count)
	for _, c := range m.campaigns[offset : offset+count] {
		page = append(page, wireCampaign{
			ID:         c.ID,
			EmailsSent: c.EmailsSent,
			SendTime:   c.SendTime,
			Settings:   settings{SubjectLine: c.SubjectLine, Title: c.Title},
		})
	}
	json.NewEncoder(w).Encode(map[string]any{
		"campaigns":   page,
		"total_items": len(m.campaigns),
	})
}

func (m *MockMailchimp) serveActivity(w http.ResponseWriter, id, offsetParam, countParam string) {
	body, status := m.activityBody(id, offsetParam, countParam)
	w.WriteHeader(status)
	w.Write(body)
}

func (m *MockMailchimp) activityBody(id, offsetParam, countParam string) ([]byte, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	emails, ok := m.activity[id]
	if !ok {
		body, _ := json.Marshal(map[string]any{"title": "Resource Not Found", "status": 404})
		return body, http.StatusNotFound
	}
	offset, count := window(offsetParam, countParam, len(emails))
	page := append([]mailchimp.EmailActivity{}, emails[offset:offset+count]...)
	body, _ := json.Marshal(map[string]any{
		"campaign_id": id,
		"emails":      page,
		"total_items": len(emails),
	})
	return body, http.StatusOK
}

func (m *MockMailchimp) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operations []mailchimp.BatchOperation `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Resource")
		return
	}

	m.mu.Lock()
	m.nextBatch++
	id := fmt.Sprintf("batch%d", m.nextBatch)
	m.batches[id] = &mockBatch{ops: req.Operations}
	m.mu.Unlock()

	json.NewEncoder(w).Encode(mailchimp.Batch{
		ID:              id,
		Status:          mailchimp.BatchPending,
		TotalOperations: len(req.Operations),
	})
}

func (m *MockMailchimp) batchStatus(w http.ResponseWriter, id string) {
	m.mu.Lock()
	b, ok := m.batches[id]
	if ok {
		b.polls++
	}
	until := m.PollsUntilFinished
	m.mu.Unlock()

	if !ok {
		writeProblem(w, http.StatusNotFound, "Resource Not Found")
		return
	}

	status := mailchimp.Batch{ID: id, Status: mailchimp.BatchStarted, TotalOperations: len(b.ops)}
	if b.polls > until {
		status.Status = mailchimp.BatchFinished
		status.FinishedOperations = len(b.ops)
		status.ResponseBodyURL = m.server.URL + "/results/" + id + ".tar.gz"
	}
	json.NewEncoder(w).Encode(status)
}

func (m *MockMailchimp) serveResults(w http.ResponseWriter, id string) {
	m.mu.RLock()
	b, ok := m.batches[id]
	m.mu.RUnlock()
	if !ok {
		writeProblem(w, http.StatusNotFound, "Resource Not Found")
		return
	}

	results := make([]mailchimp.OperationResult, 0, len(b.ops))
	for _, op := range b.ops {
		id := strings.TrimSuffix(strings.TrimPrefix(op.Path, "/reports/"), "/email-activity")
		body, status := m.activityBody(id, op.Params["offset"], op.Params["count"])
		results = append(results, mailchimp.OperationResult{
			StatusCode:  status,
			OperationID: op.OperationID,
			Response:    string(body),
		})
	}

	archive, err := mailchimp.EncodeBatchArchive(results)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Write(archive)
}

// window clamps offset/count query values to a list of n items.
func window(offsetParam, countParam string, n int) (int, int) {
	offset, _ := strconv.Atoi(offsetParam)
	count, err := strconv.Atoi(countParam)
	if err != nil || count <= 0 {
		count = 10
	}
	if offset > n {
		offset = n
	}
	if offset+count > n {
		count = n - offset
	}
	return offset, count
}

func writeProblem(w http.ResponseWriter, status int, title string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"title": title, "status": status})
}
