package syncclient

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ConflictHandler resolves a 409 for a key that just finished an upload
// attempt. The Agent wires ConflictResolver.HandleUpsertConflict /
// HandleDeleteConflict here.
type ConflictHandler func(id string, op DirtyOp, conflict *ConflictError)

// Uploader serializes one in-flight request per key against the Sync API,
// implementing the tryFlush algorithm of SPEC_FULL.md §4.6.
type Uploader struct {
	state      *SyncState
	client     atomic.Value // struct{ APIClient }, one concrete type for every Store
	onConflict ConflictHandler
	logger     *log.Logger
	ctx        context.Context
	cancel     context.CancelFunc

	mu             sync.Mutex
	inFlight       map[string]bool
	loggedDisabled bool
}

func NewUploader(state *SyncState, onConflict ConflictHandler, logger *log.Logger) *Uploader {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		state:      state,
		onConflict: onConflict,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   map[string]bool{},
	}
	u.client.Store(struct{ APIClient }{DisabledAPIClient{}})
	return u
}

// SetConflictHandler wires the Conflict Resolver after construction,
// avoiding a construction-order cycle between Uploader and
// ConflictResolver (the resolver needs a live Uploader to re-queue the
// conflict copy).
func (u *Uploader) SetConflictHandler(handler ConflictHandler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onConflict = handler
}

func (u *Uploader) conflictHandler() ConflictHandler {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.onConflict
}

// SetClient hot-swaps the transport. The Agent calls this once with a live
// client after the initial pull completes.
func (u *Uploader) SetClient(client APIClient) {
	u.client.Store(struct{ APIClient }{client})
}

func (u *Uploader) currentClient() APIClient {
	return u.client.Load().(struct{ APIClient }).APIClient
}

// Client exposes the live transport to the Conflict Resolver, which needs
// to issue its own GET calls outside the tryFlush loop.
func (u *Uploader) Client() APIClient {
	return u.currentClient()
}

func (u *Uploader) Stop() {
	u.cancel()
}

// TryFlush runs the per-key upload algorithm to completion, including the
// "dirtyOp flipped since opAtStart" immediate re-flush loop.
func (u *Uploader) TryFlush(id string) {
	for {
		opAtStart, proceed := u.beginAttempt(id)
		if !proceed {
			return
		}
		flipped := u.attempt(id, opAtStart)
		u.endAttempt(id)
		if !flipped {
			return
		}
	}
}

func (u *Uploader) beginAttempt(id string) (DirtyOp, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.inFlight[id] {
		return DirtyOpNone, false
	}
	entry := u.state.Get(id)
	if entry.DirtyOp == DirtyOpNone {
		return DirtyOpNone, false
	}
	if _, disabled := u.currentClient().(DisabledAPIClient); disabled {
		if !u.loggedDisabled {
			u.logger.Printf("syncclient: upload attempted before transport is live; intents remain queued")
			u.loggedDisabled = true
		}
		return DirtyOpNone, false
	}
	u.inFlight[id] = true
	return entry.DirtyOp, true
}

func (u *Uploader) endAttempt(id string) {
	u.mu.Lock()
	delete(u.inFlight, id)
	u.mu.Unlock()
}

// attempt performs one request for opAtStart and reports whether dirtyOp
// has since flipped to a different kind, meaning the caller must flush
// again immediately.
func (u *Uploader) attempt(id string, opAtStart DirtyOp) bool {
	_ = u.state.SetAttempt(id, time.Now())
	entry := u.state.Get(id)
	client := u.currentClient()

	var revision uint64
	var err error

	switch opAtStart {
	case DirtyOpUpsert:
		payload, ok := u.state.PendingPayload(id)
		if !ok {
			_ = u.state.SetError(id, "missing upsert payload")
			_ = u.state.ClearDirty(id)
			return u.dirtyKindFlipped(id, opAtStart)
		}
		result, upsertErr := client.UpsertConversation(u.ctx, id, entry.RemoteRevision, payload)
		revision, err = result.Revision, upsertErr
	case DirtyOpDelete:
		result, deleteErr := client.DeleteConversation(u.ctx, id, entry.RemoteRevision)
		revision, err = result.Revision, deleteErr
	}

	if err == nil {
		_ = u.state.SetRemoteRevision(id, revision)
		if u.state.Get(id).DirtyOp == opAtStart {
			_ = u.state.ClearDirty(id)
		}
		return u.dirtyKindFlipped(id, opAtStart)
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		if handler := u.conflictHandler(); handler != nil {
			handler(id, opAtStart, conflict)
		}
		return u.dirtyKindFlipped(id, opAtStart)
	}

	_ = u.state.SetError(id, err.Error())
	return u.dirtyKindFlipped(id, opAtStart)
}

func (u *Uploader) dirtyKindFlipped(id string, opAtStart DirtyOp) bool {
	current := u.state.Get(id)
	return current.DirtyOp != DirtyOpNone && current.DirtyOp != opAtStart
}
