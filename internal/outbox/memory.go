package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStream implements Stream in-process with the same consumer-group
// semantics as the Redis stream. Test use only.
type MemoryStream struct {
	mu      sync.Mutex
	entries []memEntry
	pending map[string]time.Time // id -> last delivery
	acked   map[string]bool
	cursor  int
	seq     int64

	fail bool

	now func() time.Time
}

type memEntry struct {
	id      string
	payload []byte
}

// NewMemoryStream creates an empty in-memory stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		pending: make(map[string]time.Time),
		acked:   make(map[string]bool),
		now:     time.Now,
	}
}

// SetFailing toggles simulated stream unavailability.
func (s *MemoryStream) SetFailing(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

// Append adds one entry with a millisecond-prefixed id.
func (s *MemoryStream) Append(ctx context.Context, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("memory stream failing")
	}

	s.seq++
	id := fmt.Sprintf("%d-%d", s.now().UnixMilli(), s.seq)
	s.entries = append(s.entries, memEntry{id: id, payload: payload})
	return id, nil
}

// ReadBatch delivers up to count never-delivered entries.
func (s *MemoryStream) ReadBatch(ctx context.Context, count int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("memory stream failing")
	}

	var out []Entry
	for s.cursor < len(s.entries) && len(out) < count {
		e := s.entries[s.cursor]
		s.cursor++
		s.pending[e.id] = s.now()
		out = append(out, Entry{ID: e.id, Payload: e.payload})
	}
	return out, nil
}

// ClaimPending re-delivers entries idle longer than minIdle.
func (s *MemoryStream) ClaimPending(ctx context.Context, minIdle time.Duration, count int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("memory stream failing")
	}

	var out []Entry
	for _, e := range s.entries {
		if len(out) >= count {
			break
		}
		delivered, isPending := s.pending[e.id]
		if !isPending || s.acked[e.id] {
			continue
		}
		if s.now().Sub(delivered) < minIdle {
			continue
		}
		s.pending[e.id] = s.now()
		out = append(out, Entry{ID: e.id, Payload: e.payload})
	}
	return out, nil
}

// Ack marks an entry terminal.
func (s *MemoryStream) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("memory stream failing")
	}
	s.acked[id] = true
	delete(s.pending, id)
	return nil
}

// Pending samples the unacked delivered backlog.
func (s *MemoryStream) Pending(ctx context.Context) (PendingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return PendingSummary{}, errors.New("memory stream failing")
	}

	var summary PendingSummary
	for _, delivered := range s.pending {
		summary.TotalPending++
		idle := s.now().Sub(delivered).Milliseconds()
		if idle > summary.OldestIdleMs {
			summary.OldestIdleMs = idle
		}
	}
	return summary, nil
}

// Len returns the number of appended entries. Test helper.
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// AckedCount returns how many entries have been acked. Test helper.
func (s *MemoryStream) AckedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

func (s *MemoryStream) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("memory stream failing")
	}
	return nil
}

func (s *MemoryStream) Close() error { return nil }
