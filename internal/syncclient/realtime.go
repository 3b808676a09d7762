package syncclient

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const (
	realtimeMinBackoff = time.Second
	realtimeMaxBackoff = 30 * time.Second
)

// RealtimeChannel consumes the server's event stream and triggers
// targeted refetches, per SPEC_FULL.md §4.9: events are coalesced by
// conversation id (keeping the highest revision) and drained serially.
type RealtimeChannel struct {
	clientFn func() APIClient
	state    *SyncState
	store    ConversationStore
	mute     *MuteRegistry
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]ChangedEvent
	wake    chan struct{}
}

func NewRealtimeChannel(clientFn func() APIClient, state *SyncState, store ConversationStore, mute *MuteRegistry, logger *log.Logger) *RealtimeChannel {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RealtimeChannel{
		clientFn: clientFn,
		state:    state,
		store:    store,
		mute:     mute,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[string]ChangedEvent{},
		wake:     make(chan struct{}, 1),
	}
}

func (r *RealtimeChannel) Start() {
	go r.drainLoop()
	go r.connectLoop()
}

func (r *RealtimeChannel) Stop() {
	r.cancel()
}

func (r *RealtimeChannel) connectLoop() {
	backoff := realtimeMinBackoff
	for {
		if r.ctx.Err() != nil {
			return
		}
		stream, err := r.clientFn().OpenEventStream(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Printf("syncclient: events stream connect failed: %v", err)
			if !r.sleepBackoff(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = realtimeMinBackoff
		r.readEvents(stream)
		_ = stream.Close()
		if r.ctx.Err() != nil {
			return
		}
		if !r.sleepBackoff(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > realtimeMaxBackoff {
		return realtimeMaxBackoff
	}
	return next
}

func (r *RealtimeChannel) sleepBackoff(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *RealtimeChannel) readEvents(stream EventStream) {
	for {
		evt, err := stream.Next()
		if err != nil {
			return
		}
		r.enqueue(evt)
	}
}

func (r *RealtimeChannel) enqueue(evt ChangedEvent) {
	r.mu.Lock()
	existing, ok := r.pending[evt.ConversationID]
	if !ok || evt.Revision > existing.Revision {
		r.pending[evt.ConversationID] = evt
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *RealtimeChannel) popNext() (ChangedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, evt := range r.pending {
		delete(r.pending, id)
		return evt, true
	}
	return ChangedEvent{}, false
}

// drainLoop processes coalesced entries one at a time, concurrency 1
// across all ids, per SPEC_FULL.md §4.9.
func (r *RealtimeChannel) drainLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
		for {
			evt, ok := r.popNext()
			if !ok {
				break
			}
			r.applyEvent(evt)
		}
	}
}

func (r *RealtimeChannel) applyEvent(evt ChangedEvent) {
	id := evt.ConversationID
	entry := r.state.Get(id)
	if entry.DirtyOp != DirtyOpNone {
		return
	}
	if entry.RemoteRevision != nil && *entry.RemoteRevision >= evt.Revision {
		return
	}

	client := r.clientFn()
	if evt.Deleted {
		r.mute.WithMuted(id, func() {
			if _, ok := r.store.Get(id); ok {
				_ = r.store.Delete(id)
			}
		})
		_ = r.state.SetRemoteRevision(id, evt.Revision)
		return
	}

	result, err := client.GetConversation(r.ctx, id)
	if err != nil {
		_ = r.state.SetError(id, "remote_fetch_failed: "+err.Error())
		return
	}
	if result.Revision < evt.Revision {
		if !r.sleepBackoff(200 * time.Millisecond) {
			return
		}
		result, err = client.GetConversation(r.ctx, id)
		if err != nil {
			_ = r.state.SetError(id, "remote_fetch_failed: "+err.Error())
			return
		}
	}

	r.mute.WithMuted(id, func() {
		if result.Deleted {
			if _, ok := r.store.Get(id); ok {
				_ = r.store.Delete(id)
			}
			return
		}
		var wire WireConversation
		if err := json.Unmarshal(result.Data, &wire); err != nil {
			return
		}
		_ = r.store.Import(inflate(wire))
	})
	_ = r.state.SetRemoteRevision(id, result.Revision)
}
