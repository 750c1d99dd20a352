// Package memory provides in-process stores for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

// ActivityStore keeps activity records in a map keyed by the dedup key.
type ActivityStore struct {
	mu      sync.RWMutex
	ids     crawler.IDGenerator
	clock   crawler.Clock
	records map[crawler.DedupKey]*crawler.ActivityRecord
}

// NewActivityStore constructs an ActivityStore.
func NewActivityStore(ids crawler.IDGenerator, clock crawler.Clock) *ActivityStore {
	return &ActivityStore{
		ids:     ids,
		clock:   clock,
		records: make(map[crawler.DedupKey]*crawler.ActivityRecord),
	}
}

// Upsert inserts candidate or refreshes the last-seen time of its twin.
func (s *ActivityStore) Upsert(_ context.Context, candidate crawler.ActivityCandidate) (crawler.UpsertResult, error) {
	if !candidate.Eligible() {
		return crawler.UpsertResult{}, fmt.Errorf("candidate missing required fields")
	}
	key := candidate.Key()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		rec.LastSeen = now
		return crawler.UpsertResult{ID: rec.ID, Outcome: crawler.OutcomeDuplicate}, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("new activity id: %w", err)
	}
	s.records[key] = &crawler.ActivityRecord{
		ID:                id,
		ActivityCandidate: candidate,
		FirstSeen:         now,
		LastSeen:          now,
	}
	return crawler.UpsertResult{ID: id, Outcome: crawler.OutcomeStored}, nil
}

// List returns every record ordered by first sighting, then ID.
func (s *ActivityStore) List(context.Context) ([]crawler.ActivityRecord, error) {
	s.mu.RLock()
	out := make([]crawler.ActivityRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Count returns the number of stored records.
func (s *ActivityStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close implements io.Closer for symmetry with the SQL stores.
func (s *ActivityStore) Close() error {
	return nil
}
