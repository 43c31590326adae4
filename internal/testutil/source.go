package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docmigrate/internal/migrate"
)

// StubRecordSource is a configurable in-memory RecordSource. Records are
// served in ID order; document URLs can be rewritten through the same
// batched update surface the real client exposes. Safe for concurrent use.
type StubRecordSource struct {
	mu      sync.Mutex
	records map[string]*migrate.SourceRecord

	// AuthErr, when set, is returned from Authenticate.
	AuthErr error
	// QueryErr, when set, is returned from every query method.
	QueryErr error
	// UpdateErr, when set, fails the whole update batch.
	UpdateErr error
	// FailUpdates marks individual record IDs whose updates report failure.
	FailUpdates map[string]string // ID -> error message

	// UpdateBatches records every batch passed to UpdateDocumentURLs.
	UpdateBatches [][]migrate.URLUpdate
	// Authenticated is set once Authenticate succeeds.
	Authenticated bool
}

// NewStubRecordSource creates a stub source seeded with the given records.
func NewStubRecordSource(records ...*migrate.SourceRecord) *StubRecordSource {
	s := &StubRecordSource{records: make(map[string]*migrate.SourceRecord)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

// Add inserts or replaces a record.
func (s *StubRecordSource) Add(r *migrate.SourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

// Remove deletes a record, simulating deletion in the source system.
func (s *StubRecordSource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// DocumentURL returns the current document reference for id.
func (s *StubRecordSource) DocumentURL(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r.DocumentURL
	}
	return ""
}

func (s *StubRecordSource) sortedRecords() []*migrate.SourceRecord {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*migrate.SourceRecord, len(ids))
	for i, id := range ids {
		out[i] = s.records[id]
	}
	return out
}

func (s *StubRecordSource) Authenticate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return s.AuthErr
	}
	s.Authenticated = true
	return nil
}

func (s *StubRecordSource) CountRecords(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return 0, s.QueryErr
	}
	return int64(len(s.records)), nil
}

func (s *StubRecordSource) QueryChunk(_ context.Context, afterID string, limit int) ([]*migrate.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}

	var out []*migrate.SourceRecord
	for _, r := range s.sortedRecords() {
		if afterID != "" && r.ID <= afterID {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *StubRecordSource) QueryAccount(_ context.Context, accountID string) ([]*migrate.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}

	var out []*migrate.SourceRecord
	for _, r := range s.sortedRecords() {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *StubRecordSource) ListAccounts(_ context.Context) ([]*migrate.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}

	byID := make(map[string]*migrate.Account)
	for _, r := range s.records {
		a, ok := byID[r.AccountID]
		if !ok {
			a = &migrate.Account{ID: r.AccountID, Name: r.AccountName}
			byID[r.AccountID] = a
		}
		a.Files++
	}

	out := make([]*migrate.Account, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Files != out[j].Files {
			return out[i].Files > out[j].Files
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *StubRecordSource) CurrentDocumentURLs(_ context.Context, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}

	out := make(map[string]string)
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out[id] = r.DocumentURL
		}
	}
	return out, nil
}

func (s *StubRecordSource) UpdateDocumentURLs(_ context.Context, updates []migrate.URLUpdate) ([]migrate.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(updates) > migrate.UpdateBatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds the %d-record API limit", len(updates), migrate.UpdateBatchLimit)
	}

	s.UpdateBatches = append(s.UpdateBatches, updates)
	if s.UpdateErr != nil {
		return nil, s.UpdateErr
	}

	results := make([]migrate.UpdateResult, len(updates))
	for i, u := range updates {
		if msg, fail := s.FailUpdates[u.ID]; fail {
			results[i] = migrate.UpdateResult{ID: u.ID, Success: false, Error: msg}
			continue
		}
		if r, ok := s.records[u.ID]; ok {
			r.DocumentURL = u.URL
		}
		results[i] = migrate.UpdateResult{ID: u.ID, Success: true}
	}
	return results, nil
}

// Compile-time check that StubRecordSource implements the RecordSource interface
var _ migrate.RecordSource = (*StubRecordSource)(nil)
