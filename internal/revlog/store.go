// Package revlog implements the server-side revision log: a per-user,
// per-conversation optimistic-concurrency store with tombstone deletes.
package revlog

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("revision conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// ConflictError carries the current server-side state of a key so a caller
// can decide how to resolve an optimistic-concurrency failure.
type ConflictError struct {
	CurrentRevision uint64
	Deleted         bool
}

func (e *ConflictError) Error() string { return "revision conflict" }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ConversationMeta is the metadata shape returned by List and carried in
// change events; it never carries the blob.
type ConversationMeta struct {
	ConversationID string    `json:"conversationId"`
	Revision       uint64    `json:"revision"`
	Deleted        bool      `json:"deleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ConversationRecord is the full row, including the blob when present.
type ConversationRecord struct {
	ConversationMeta
	Blob json.RawMessage `json:"data,omitempty"`
}

// RevisionStore is the atomic optimistic-concurrency contract from
// SPEC_FULL.md §4.1. baseRevision == nil means create-semantics ("I
// believe the row does not exist yet").
type RevisionStore interface {
	List(ctx context.Context, userID string) ([]ConversationMeta, error)
	Get(ctx context.Context, userID, conversationID string) (ConversationRecord, error)
	Upsert(ctx context.Context, userID, conversationID string, baseRevision *uint64, blob json.RawMessage) (uint64, error)
	Tombstone(ctx context.Context, userID, conversationID string, baseRevision *uint64) (uint64, error)
	Close() error
}

type memoryRow struct {
	revision  uint64
	deleted   bool
	blob      json.RawMessage
	updatedAt time.Time
}

// MemoryRevisionStore is an in-process implementation used for the
// memory:// DSN scheme, tests, and single-instance deployments. It mirrors
// the mutex-guarded map plus monotonic counter idiom the teacher uses for
// its in-memory Store.
type MemoryRevisionStore struct {
	mu   sync.Mutex
	rows map[string]map[string]*memoryRow
	now  func() time.Time
}

func NewMemoryRevisionStore() *MemoryRevisionStore {
	return &MemoryRevisionStore{
		rows: map[string]map[string]*memoryRow{},
		now:  time.Now,
	}
}

func (s *MemoryRevisionStore) List(_ context.Context, userID string) ([]ConversationMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.rows[userID]
	out := make([]ConversationMeta, 0, len(byID))
	for id, row := range byID {
		out = append(out, ConversationMeta{
			ConversationID: id,
			Revision:       row.revision,
			Deleted:        row.deleted,
			UpdatedAt:      row.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryRevisionStore) Get(_ context.Context, userID, conversationID string) (ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID][conversationID]
	if !ok {
		return ConversationRecord{}, ErrNotFound
	}
	rec := ConversationRecord{
		ConversationMeta: ConversationMeta{
			ConversationID: conversationID,
			Revision:       row.revision,
			Deleted:        row.deleted,
			UpdatedAt:      row.updatedAt,
		},
	}
	if !row.deleted {
		rec.Blob = append(json.RawMessage(nil), row.blob...)
	}
	return rec, nil
}

func (s *MemoryRevisionStore) Upsert(_ context.Context, userID, conversationID string, baseRevision *uint64, blob json.RawMessage) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.rows[userID]
	if byID == nil {
		byID = map[string]*memoryRow{}
		s.rows[userID] = byID
	}
	row, exists := byID[conversationID]

	if baseRevision == nil {
		if exists {
			return 0, &ConflictError{CurrentRevision: row.revision, Deleted: row.deleted}
		}
		byID[conversationID] = &memoryRow{revision: 1, deleted: false, blob: blob, updatedAt: s.now()}
		return 1, nil
	}

	if !exists {
		return 0, ErrNotFound
	}
	if row.revision != *baseRevision {
		return 0, &ConflictError{CurrentRevision: row.revision, Deleted: row.deleted}
	}
	row.revision++
	row.deleted = false
	row.blob = blob
	row.updatedAt = s.now()
	return row.revision, nil
}

func (s *MemoryRevisionStore) Tombstone(_ context.Context, userID, conversationID string, baseRevision *uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.rows[userID]
	if byID == nil {
		byID = map[string]*memoryRow{}
		s.rows[userID] = byID
	}
	row, exists := byID[conversationID]

	if baseRevision == nil {
		if exists {
			return 0, &ConflictError{CurrentRevision: row.revision, Deleted: row.deleted}
		}
		byID[conversationID] = &memoryRow{revision: 1, deleted: true, blob: nil, updatedAt: s.now()}
		return 1, nil
	}

	if !exists {
		// Ambiguous in the source: a DELETE against a missing row with a
		// non-null baseRevision could plausibly be a 409 instead. We
		// preserve the 404 outcome per SPEC_FULL.md §9.
		return 0, ErrNotFound
	}
	if row.revision != *baseRevision {
		return 0, &ConflictError{CurrentRevision: row.revision, Deleted: row.deleted}
	}
	row.revision++
	row.deleted = true
	row.blob = nil
	row.updatedAt = s.now()
	return row.revision, nil
}

func (s *MemoryRevisionStore) Close() error { return nil }
