package syncclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StoreChange is a snapshot diff of the local conversation store: the
// full map before and after some external mutation. The watcher derives
// upsert/delete intents from prev/next per SPEC_FULL.md §4.5's diff
// algorithm.
type StoreChange struct {
	Prev map[string]LocalConversation
	Next map[string]LocalConversation
}

// ConversationStore is the local persistence layer the engine consumes,
// per SPEC_FULL.md §1: "load/save state snapshots" and "apply external
// mutation to the local conversation store". It is an external
// collaborator; this package treats it as an interface, and ships one
// reference implementation.
type ConversationStore interface {
	// Hydrated closes once the store has loaded its initial state from
	// disk. The agent bootstrap waits on this before starting the watcher.
	Hydrated() <-chan struct{}
	Snapshot() map[string]LocalConversation
	Get(id string) (LocalConversation, bool)
	// Subscribe registers fn to be called with a StoreChange after every
	// external mutation (including this store's own file-watch loop).
	// The returned cancel function unregisters fn.
	Subscribe(fn func(StoreChange)) (cancel func())
	// Import writes conv into the store, replacing any existing record
	// under conv.ID. Used by remote-triggered applies; callers are
	// responsible for wrapping this in MuteRegistry.WithMuted.
	Import(conv LocalConversation) error
	Delete(id string) error
}

// FileConversationStore is a reference ConversationStore: one JSON file
// per conversation id under a directory, watched with fsnotify so that
// edits made by another process (e.g. a UI) are picked up as StoreChange
// diffs.
type FileConversationStore struct {
	dir string

	mu       sync.Mutex
	byID     map[string]LocalConversation
	subs     map[int]func(StoreChange)
	nextSub  int
	watcher  *fsnotify.Watcher
	hydrated chan struct{}
	closeCh  chan struct{}
}

func NewFileConversationStore(dir string) (*FileConversationStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s := &FileConversationStore{
		dir:      dir,
		byID:     map[string]LocalConversation{},
		subs:     map[int]func(StoreChange){},
		watcher:  watcher,
		hydrated: make(chan struct{}),
		closeCh:  make(chan struct{}),
	}
	if err := s.loadAll(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	close(s.hydrated)
	go s.watchLoop()
	return s, nil
}

func (s *FileConversationStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		conv, ok := s.readFile(filepath.Join(s.dir, entry.Name()))
		if ok {
			s.byID[conv.ID] = conv
		}
	}
	return nil
}

func (s *FileConversationStore) readFile(path string) (LocalConversation, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LocalConversation{}, false
	}
	var wire WireConversation
	if err := json.Unmarshal(data, &wire); err != nil {
		return LocalConversation{}, false
	}
	return inflate(wire), true
}

func (s *FileConversationStore) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileConversationStore) watchLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			s.reconcileFile(event.Name)
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *FileConversationStore) reconcileFile(path string) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")
	s.mu.Lock()
	prev := cloneMap(s.byID)
	if conv, ok := s.readFile(path); ok {
		s.byID[id] = conv
	} else {
		delete(s.byID, id)
	}
	next := cloneMap(s.byID)
	s.mu.Unlock()
	s.notify(StoreChange{Prev: prev, Next: next})
}

func cloneMap(m map[string]LocalConversation) map[string]LocalConversation {
	out := make(map[string]LocalConversation, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *FileConversationStore) notify(change StoreChange) {
	s.mu.Lock()
	fns := make([]func(StoreChange), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (s *FileConversationStore) Hydrated() <-chan struct{} { return s.hydrated }

func (s *FileConversationStore) Snapshot() map[string]LocalConversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.byID)
}

func (s *FileConversationStore) Get(id string) (LocalConversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	return conv, ok
}

func (s *FileConversationStore) Subscribe(fn func(StoreChange)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *FileConversationStore) Import(conv LocalConversation) error {
	s.mu.Lock()
	prev := cloneMap(s.byID)
	s.byID[conv.ID] = conv
	next := cloneMap(s.byID)
	s.mu.Unlock()

	data, err := json.MarshalIndent(sanitize(conv), "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.pathFor(conv.ID), data, 0o644); err != nil {
		return err
	}
	s.notify(StoreChange{Prev: prev, Next: next})
	return nil
}

func (s *FileConversationStore) Delete(id string) error {
	s.mu.Lock()
	prev := cloneMap(s.byID)
	delete(s.byID, id)
	next := cloneMap(s.byID)
	s.mu.Unlock()

	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.notify(StoreChange{Prev: prev, Next: next})
	return nil
}

func (s *FileConversationStore) Close() error {
	close(s.closeCh)
	return s.watcher.Close()
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// sortedIDs is a small helper shared by the watcher's diff algorithm.
func sortedIDs(m map[string]LocalConversation) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
