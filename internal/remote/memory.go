package remote

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Memory is an in-process document store for dev and tests. It can be taken
// offline to simulate lost connectivity.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string]map[string][]byte
	down     bool
	latency  time.Duration
	requests int
}

// NewMemory returns an empty, available store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string][]byte)}
}

// SetAvailable toggles connectivity.
func (m *Memory) SetAvailable(up bool) {
	m.mu.Lock()
	m.down = !up
	m.mu.Unlock()
}

// SetLatency delays every call by d, honouring context cancellation.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Requests returns the number of calls served or refused.
func (m *Memory) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

func (m *Memory) enter(ctx context.Context) error {
	m.mu.Lock()
	m.requests++
	down, latency := m.down, m.latency
	m.mu.Unlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if down {
		return ErrUnavailable
	}
	return ctx.Err()
}

func docKey(collection, document string) string { return collection + "/" + document }

func (m *Memory) GetField(ctx context.Context, collection, document, field string) ([]byte, bool, error) {
	if err := m.enter(ctx); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[docKey(collection, document)][field]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) AddOrUpdateField(ctx context.Context, collection, document, field string, value []byte) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := docKey(collection, document)
	if m.docs[k] == nil {
		m.docs[k] = make(map[string][]byte)
	}
	m.docs[k][field] = bytes.Clone(value)
	return nil
}

func (m *Memory) RemoveField(ctx context.Context, collection, document, field string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[docKey(collection, document)], field)
	return nil
}

// Fields returns the field names held in one document.
func (m *Memory) Fields(collection, document string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for f := range m.docs[docKey(collection, document)] {
		out = append(out, f)
	}
	return out
}
