package testutil

import (
	"context"
	"sync"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/events"
)

// RecordingSink records every chunk it receives. Fail, when set, is returned
// instead of recording.
type RecordingSink struct {
	mu     sync.Mutex
	Chunks [][]events.Event
	Fail   error
}

// Name implements sink.Sink.
func (s *RecordingSink) Name() string {
	return "recording"
}

// Send implements sink.Sink.
func (s *RecordingSink) Send(_ context.Context, chunk []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.Chunks = append(s.Chunks, append([]events.Event(nil), chunk...))
	return nil
}

// Events returns every recorded event in delivery order.
func (s *RecordingSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, c := range s.Chunks {
		out = append(out, c...)
	}
	return out
}

// Sizes returns the size of every recorded chunk.
func (s *RecordingSink) Sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.Chunks))
	for i, c := range s.Chunks {
		sizes[i] = len(c)
	}
	return sizes
}
