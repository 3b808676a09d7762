package syncclient

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// persistedSyncState is the on-disk shape: schema-versioned so a future
// format change can migrate old snapshots instead of discarding them.
type persistedSyncState struct {
	SchemaVersion int                          `json:"schemaVersion"`
	Entries       map[string]ConversationState `json:"entries"`
}

const syncStateSchemaVersion = 1

// StateBackend loads and saves the full per-user sync state snapshot,
// grounded on the teacher's relayfile.StateBackend contract.
type StateBackend interface {
	Load() (*persistedSyncState, error)
	Save(*persistedSyncState) error
}

// MemoryStateBackend is an in-process backend, useful for tests and for
// agents that don't need to survive a restart.
type MemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedSyncState
}

func NewMemoryStateBackend() *MemoryStateBackend {
	return &MemoryStateBackend{}
}

func (b *MemoryStateBackend) Load() (*persistedSyncState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	data, err := json.Marshal(b.snapshot)
	if err != nil {
		return nil, err
	}
	var clone persistedSyncState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *MemoryStateBackend) Save(state *persistedSyncState) error {
	if state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	var clone persistedSyncState
	if err := json.Unmarshal(data, &clone); err != nil {
		return err
	}
	b.snapshot = &clone
	return nil
}

// FileStateBackend persists to a single JSON file with an atomic
// temp-file-then-rename write, the same durability pattern as the
// teacher's JSONFileStateBackend.
type FileStateBackend struct {
	Path string
}

func NewFileStateBackend(path string) *FileStateBackend {
	return &FileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *FileStateBackend) Load() (*persistedSyncState, error) {
	if b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedSyncState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *FileStateBackend) Save(state *persistedSyncState) error {
	if b.Path == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// SyncState is the agent's durable per-id bookkeeping (SPEC_FULL.md §4.4).
// It is called from several goroutines (watcher debounce timers, the
// realtime drain loop, the initial-pull retry loop); the mutex makes each
// single operation atomic, but a sequence of calls is not serialized as a
// whole and there is no single executor goroutine.
type SyncState struct {
	mu      sync.Mutex
	backend StateBackend
	entries map[string]ConversationState
	pending map[string]json.RawMessage
}

func NewSyncState(backend StateBackend) *SyncState {
	return &SyncState{
		backend: backend,
		entries: map[string]ConversationState{},
		pending: map[string]json.RawMessage{},
	}
}

// Load hydrates entries from the backend. pendingUpsertPayload is never
// persisted and is not touched here.
func (s *SyncState) Load() error {
	snapshot, err := s.backend.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot == nil || snapshot.Entries == nil {
		s.entries = map[string]ConversationState{}
		return nil
	}
	s.entries = snapshot.Entries
	return nil
}

func (s *SyncState) save() error {
	s.mu.Lock()
	snapshot := &persistedSyncState{SchemaVersion: syncStateSchemaVersion, Entries: cloneEntries(s.entries)}
	s.mu.Unlock()
	return s.backend.Save(snapshot)
}

func cloneEntries(m map[string]ConversationState) map[string]ConversationState {
	out := make(map[string]ConversationState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *SyncState) Get(id string) ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id]
}

// AllEntries returns a snapshot of every tracked id's state.
func (s *SyncState) AllEntries() map[string]ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEntries(s.entries)
}

func (s *SyncState) DirtyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.DirtyOp != DirtyOpNone {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MarkDirty records op as the pending intent for id and buffers payload
// (for upserts) in memory, per SPEC_FULL.md §4.4/§4.5's intent-merge
// semantics: the last intent always wins.
func (s *SyncState) MarkDirty(id string, op DirtyOp, payload json.RawMessage) error {
	s.mu.Lock()
	entry := s.entries[id]
	entry.DirtyOp = op
	s.entries[id] = entry
	if op == DirtyOpUpsert {
		s.pending[id] = payload
	} else {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	return s.save()
}

func (s *SyncState) ClearDirty(id string) error {
	s.mu.Lock()
	entry := s.entries[id]
	entry.DirtyOp = DirtyOpNone
	entry.LastError = ""
	s.entries[id] = entry
	delete(s.pending, id)
	s.mu.Unlock()
	return s.save()
}

func (s *SyncState) SetRemoteRevision(id string, rev uint64) error {
	s.mu.Lock()
	entry := s.entries[id]
	entry.RemoteRevision = &rev
	s.entries[id] = entry
	s.mu.Unlock()
	return s.save()
}

func (s *SyncState) SetAttempt(id string, ts time.Time) error {
	s.mu.Lock()
	entry := s.entries[id]
	entry.LastAttemptAt = ts
	s.entries[id] = entry
	s.mu.Unlock()
	return s.save()
}

func (s *SyncState) SetError(id, msg string) error {
	s.mu.Lock()
	entry := s.entries[id]
	entry.LastError = msg
	s.entries[id] = entry
	s.mu.Unlock()
	return s.save()
}

func (s *SyncState) ClearError(id string) error {
	return s.SetError(id, "")
}

func (s *SyncState) Forget(id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	delete(s.pending, id)
	s.mu.Unlock()
	return s.save()
}

// PendingPayload returns the in-memory buffered upsert body for id, if any.
func (s *SyncState) PendingPayload(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.pending[id]
	return payload, ok
}

// SetPendingPayload is used by the agent's reconcile step (rebuilding a
// payload after restart) without otherwise touching the persisted dirtyOp.
// The watcher buffers fresh upserts through MarkDirty instead.
func (s *SyncState) SetPendingPayload(id string, payload json.RawMessage) {
	s.mu.Lock()
	s.pending[id] = payload
	s.mu.Unlock()
}
