package syncclient

import "sync"

// fakeStore is a minimal ConversationStore for watcher/resolver/realtime
// tests: no filesystem, no fsnotify, just an in-memory map and a single
// registered subscriber callback the test drives directly.
type fakeStore struct {
	mu       sync.Mutex
	byID     map[string]LocalConversation
	sub      func(StoreChange)
	hydrated chan struct{}
}

func newFakeStore() *fakeStore {
	ch := make(chan struct{})
	close(ch)
	return &fakeStore{byID: map[string]LocalConversation{}, hydrated: ch}
}

func (s *fakeStore) Hydrated() <-chan struct{} { return s.hydrated }

func (s *fakeStore) Snapshot() map[string]LocalConversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.byID)
}

func (s *fakeStore) Get(id string) (LocalConversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	return c, ok
}

func (s *fakeStore) Subscribe(fn func(StoreChange)) func() {
	s.mu.Lock()
	s.sub = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.sub = nil
		s.mu.Unlock()
	}
}

func (s *fakeStore) Import(conv LocalConversation) error {
	s.mu.Lock()
	prev := cloneMap(s.byID)
	s.byID[conv.ID] = conv
	next := cloneMap(s.byID)
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		sub(StoreChange{Prev: prev, Next: next})
	}
	return nil
}

func (s *fakeStore) Delete(id string) error {
	s.mu.Lock()
	prev := cloneMap(s.byID)
	delete(s.byID, id)
	next := cloneMap(s.byID)
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		sub(StoreChange{Prev: prev, Next: next})
	}
	return nil
}

// applyExternal simulates a mutation from outside the sync engine (e.g. the
// authoring UI) without going through Import/Delete's own notification
// wiring nuances; tests use it to hand-construct a specific StoreChange.
func (s *fakeStore) applyExternal(change StoreChange) {
	s.mu.Lock()
	s.byID = cloneMap(change.Next)
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		sub(change)
	}
}
