package store

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
)

// InMemoryStore keeps sent markers and dedup records in memory.
type InMemoryStore struct {
	mu      sync.Mutex
	markers map[string]models.SentMarker
	inbound map[string]time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		markers: make(map[string]models.SentMarker),
		inbound: make(map[string]time.Time),
	}
}

var _ DedupRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) HasSent(ctx context.Context, m models.SentMarker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[m.Key()]
	return ok, nil
}

func (s *InMemoryStore) MarkSent(ctx context.Context, m models.SentMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.Key()] = m
	return nil
}

func (s *InMemoryStore) PruneMarkersBefore(ctx context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.markers {
		if m.Day < day {
			delete(s.markers, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = time.Now()
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	return nil
}

func (s *InMemoryStore) PruneDedupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.inbound {
		if at.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}
