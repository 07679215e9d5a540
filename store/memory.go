package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and cache-less runs.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]*Record)}
}

// Get returns the stored record for the coordinate.
func (m *Memory) Get(_ context.Context, coordinate string) (*Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[coordinate]
	if !ok {
		return nil, false, nil
	}
	clone := *rec
	return &clone, true, nil
}

// Put stores the record, replacing any entry already held for its coordinate.
func (m *Memory) Put(_ context.Context, rec *Record) error {
	if rec == nil || rec.Event == nil {
		return errors.New("record must carry an event")
	}
	clone := *rec
	m.mu.Lock()
	m.recs[rec.Coordinate] = &clone
	m.mu.Unlock()
	return nil
}

// PruneOlderThan removes every record saved strictly before the cutoff.
func (m *Memory) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for coordinate, rec := range m.recs {
		if rec.SavedAt.Before(cutoff) {
			delete(m.recs, coordinate)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
