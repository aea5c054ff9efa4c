package journal

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the in-memory journal.
const DefaultCapacity = 1000

// Memory is a bounded ring of the most recent records.
type Memory struct {
	mu   sync.RWMutex
	buf  []Record
	next int
	full bool
}

// NewMemory creates a ring holding up to capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{buf: make([]Record, capacity)}
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.buf[m.next] = rec
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ordered []Record
	if m.full {
		ordered = append(ordered, m.buf[m.next:]...)
	}
	ordered = append(ordered, m.buf[:m.next]...)
	out := make([]Record, 0, len(ordered))
	for _, r := range ordered {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return q.Trim(out), nil
}

func (m *Memory) Close() error { return nil }
