package syncclient

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeAPIClient is an in-memory stand-in for the Sync API used across the
// client-side test suite; it mimics just enough of the server's revision
// semantics to exercise the agent's collaborators without real HTTP.
type fakeAPIClient struct {
	mu      sync.Mutex
	records map[string]*fakeRecord
	events  []ChangedEvent
	stream  EventStream
}

type fakeRecord struct {
	revision uint64
	deleted  bool
	data     json.RawMessage
}

func newFakeAPIClient() *fakeAPIClient {
	return &fakeAPIClient{records: map[string]*fakeRecord{}}
}

func (f *fakeAPIClient) ListConversations(context.Context) ([]ListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]ListItem, 0, len(f.records))
	for id, rec := range f.records {
		items = append(items, ListItem{ConversationID: id, Revision: rec.revision, Deleted: rec.deleted})
	}
	return items, nil
}

func (f *fakeAPIClient) GetConversation(_ context.Context, id string) (GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return GetResult{}, &HTTPError{StatusCode: 404, Code: "not_found"}
	}
	return GetResult{ConversationID: id, Revision: rec.revision, Deleted: rec.deleted, Data: rec.data}, nil
}

func (f *fakeAPIClient) UpsertConversation(_ context.Context, id string, baseRevision *uint64, data json.RawMessage) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, exists := f.records[id]
	if baseRevision == nil {
		if exists {
			return WriteResult{}, &ConflictError{ConversationID: id, Revision: rec.revision, Deleted: rec.deleted}
		}
		f.records[id] = &fakeRecord{revision: 1, data: data}
		return WriteResult{ConversationID: id, Revision: 1}, nil
	}
	if !exists || rec.revision != *baseRevision {
		if !exists {
			return WriteResult{}, &HTTPError{StatusCode: 404, Code: "not_found"}
		}
		return WriteResult{}, &ConflictError{ConversationID: id, Revision: rec.revision, Deleted: rec.deleted}
	}
	rec.revision++
	rec.deleted = false
	rec.data = data
	return WriteResult{ConversationID: id, Revision: rec.revision}, nil
}

func (f *fakeAPIClient) DeleteConversation(_ context.Context, id string, baseRevision *uint64) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, exists := f.records[id]
	if baseRevision == nil {
		if exists {
			return WriteResult{}, &ConflictError{ConversationID: id, Revision: rec.revision, Deleted: rec.deleted}
		}
		f.records[id] = &fakeRecord{revision: 1, deleted: true}
		return WriteResult{ConversationID: id, Revision: 1}, nil
	}
	if !exists || rec.revision != *baseRevision {
		if !exists {
			return WriteResult{}, &HTTPError{StatusCode: 404, Code: "not_found"}
		}
		return WriteResult{}, &ConflictError{ConversationID: id, Revision: rec.revision, Deleted: rec.deleted}
	}
	rec.revision++
	rec.deleted = true
	rec.data = nil
	return WriteResult{ConversationID: id, Revision: rec.revision}, nil
}

func (f *fakeAPIClient) OpenEventStream(context.Context) (EventStream, error) {
	f.mu.Lock()
	stream := f.stream
	f.mu.Unlock()
	if stream != nil {
		return stream, nil
	}
	return nil, &HTTPError{StatusCode: 501, Code: "not_implemented"}
}

// setEventStream installs the stream OpenEventStream hands back, letting a
// test drive RealtimeChannel's real connectLoop instead of only its
// internal enqueue/applyEvent/drainLoop seams.
func (f *fakeAPIClient) setEventStream(s EventStream) {
	f.mu.Lock()
	f.stream = s
	f.mu.Unlock()
}

// scriptedEventStream replays a fixed slice of events and then blocks
// until closed, standing in for a live SSE connection in realtime tests.
type scriptedEventStream struct {
	mu     sync.Mutex
	events []ChangedEvent
	closed chan struct{}
}

func newScriptedEventStream(events []ChangedEvent) *scriptedEventStream {
	return &scriptedEventStream{events: events, closed: make(chan struct{})}
}

func (s *scriptedEventStream) Next() (ChangedEvent, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		evt := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return evt, nil
	}
	s.mu.Unlock()
	<-s.closed
	return ChangedEvent{}, context.Canceled
}

func (s *scriptedEventStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (f *fakeAPIClient) directSet(id string, rev uint64, deleted bool, data json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = &fakeRecord{revision: rev, deleted: deleted, data: data}
}
