package syncclient

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	initialPullRetryMinBackoff = time.Second
	initialPullRetryMaxBackoff = 30 * time.Second
)

// AgentConfig wires the collaborators the Agent orchestrates. Client is
// normally left nil so NewAgent builds a live HTTPAPIClient from BaseURL
// and Token; tests inject a fake APIClient directly, the same seam the
// teacher's mountsync.NewSyncer exposes for its HTTPClient dependency.
type AgentConfig struct {
	Store        ConversationStore
	StateBackend StateBackend
	BaseURL      string
	Token        string
	HTTPClient   *http.Client
	Client       APIClient
	Logger       *log.Logger
}

// Agent is the single-instance bootstrap of SPEC_FULL.md §4.10: it wires
// the watcher, uploader, resolver, and realtime channel and drives the
// hydrate → watch → pull → hot-swap → reconcile → flush → realtime
// startup sequence.
type Agent struct {
	store    ConversationStore
	state    *SyncState
	mute     *MuteRegistry
	watcher  *ChangeWatcher
	uploader *Uploader
	resolver *ConflictResolver
	realtime *RealtimeChannel
	client   APIClient
	logger   *log.Logger

	pullRetryMinBackoff time.Duration
	pullRetryMaxBackoff time.Duration

	mu         sync.Mutex
	started    bool
	stopFn     func()
	bootCancel context.CancelFunc
}

func NewAgent(cfg AgentConfig) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	state := NewSyncState(cfg.StateBackend)
	mute := NewMuteRegistry()
	uploader := NewUploader(state, nil, logger)
	resolver := NewConflictResolver(uploader, cfg.Store, mute, state, logger)
	watcher := NewChangeWatcher(state, mute, uploader.TryFlush)
	client := cfg.Client
	if client == nil {
		client = NewHTTPAPIClient(cfg.BaseURL, cfg.Token, cfg.HTTPClient)
	}
	realtime := NewRealtimeChannel(func() APIClient { return client }, state, cfg.Store, mute, logger)

	a := &Agent{
		store:               cfg.Store,
		state:               state,
		mute:                mute,
		watcher:             watcher,
		uploader:            uploader,
		resolver:            resolver,
		realtime:            realtime,
		client:              client,
		logger:              logger,
		pullRetryMinBackoff: initialPullRetryMinBackoff,
		pullRetryMaxBackoff: initialPullRetryMaxBackoff,
	}
	uploader.SetConflictHandler(a.dispatchConflict)
	return a
}

func (a *Agent) dispatchConflict(id string, op DirtyOp, conflict *ConflictError) {
	switch op {
	case DirtyOpUpsert:
		a.resolver.HandleUpsertConflict(id, op, conflict)
	case DirtyOpDelete:
		a.resolver.HandleDeleteConflict(id, op, conflict)
	}
}

// Start runs the bootstrap sequence and returns a stop function. A second
// call returns the first call's stop function without re-running the
// sequence, per SPEC_FULL.md §4.10's singleton requirement.
func (a *Agent) Start(ctx context.Context) (func(), error) {
	a.mu.Lock()
	if a.started {
		stop := a.stopFn
		a.mu.Unlock()
		return stop, nil
	}
	a.mu.Unlock()

	if err := a.state.Load(); err != nil {
		return nil, err
	}

	select {
	case <-a.store.Hydrated():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	a.watcher.Start(a.store)

	bootCtx, bootCancel := context.WithCancel(context.Background())
	if err := a.initialPull(ctx); err != nil {
		a.logger.Printf("syncclient: initial pull failed, retrying in background while offline: %v", err)
		go a.retryInitialPullUntilSuccess(bootCtx)
	} else {
		bootCancel()
		a.goLive()
	}

	a.realtime.Start()

	a.mu.Lock()
	a.bootCancel = bootCancel
	a.stopFn = a.stop
	a.started = true
	stop := a.stopFn
	a.mu.Unlock()
	return stop, nil
}

// goLive installs the live transport and drains everything the offline
// window queued, per SPEC_FULL.md §4.10 steps 4-6.
func (a *Agent) goLive() {
	a.uploader.SetClient(a.client)
	a.reconcile()
	for _, id := range a.state.DirtyIDs() {
		a.uploader.TryFlush(id)
	}
}

// retryInitialPullUntilSuccess keeps the agent usable offline: local
// changes still queue through the watcher and uploader (which stays on
// DisabledAPIClient), while this loop retries the pull with the same
// backoff shape the realtime channel uses for reconnects.
func (a *Agent) retryInitialPullUntilSuccess(ctx context.Context) {
	backoff := a.pullRetryMinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err := a.initialPull(ctx); err != nil {
			backoff *= 2
			if backoff > a.pullRetryMaxBackoff {
				backoff = a.pullRetryMaxBackoff
			}
			continue
		}
		a.goLive()
		return
	}
}

func (a *Agent) stop() {
	a.mu.Lock()
	if a.bootCancel != nil {
		a.bootCancel()
	}
	a.mu.Unlock()
	a.realtime.Stop()
	a.watcher.Stop()
	a.uploader.Stop()
}

// initialPull implements SPEC_FULL.md §4.10 step 3.
func (a *Agent) initialPull(ctx context.Context) error {
	priorRevisions := map[string]uint64{}
	for id, entry := range a.state.AllEntries() {
		if entry.RemoteRevision != nil {
			priorRevisions[id] = *entry.RemoteRevision
		}
	}

	items, err := a.client.ListConversations(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		if a.state.Get(item.ConversationID).DirtyOp != DirtyOpNone {
			continue
		}
		_ = a.state.SetRemoteRevision(item.ConversationID, item.Revision)
	}

	for _, item := range items {
		id := item.ConversationID
		if a.state.Get(id).DirtyOp != DirtyOpNone {
			continue
		}
		if item.Deleted {
			a.mute.WithMuted(id, func() {
				if _, ok := a.store.Get(id); ok {
					_ = a.store.Delete(id)
				}
			})
			continue
		}
		_, hasLocal := a.store.Get(id)
		priorRev, hadPrior := priorRevisions[id]
		if hasLocal && hadPrior && priorRev == item.Revision {
			continue
		}
		result, err := a.client.GetConversation(ctx, id)
		if err != nil {
			_ = a.state.SetError(id, "remote_fetch_failed: "+err.Error())
			continue
		}
		a.mute.WithMuted(id, func() {
			if result.Deleted {
				if _, ok := a.store.Get(id); ok {
					_ = a.store.Delete(id)
				}
				return
			}
			var wire WireConversation
			if err := json.Unmarshal(result.Data, &wire); err != nil {
				return
			}
			_ = a.store.Import(inflate(wire))
		})
		_ = a.state.SetRemoteRevision(id, result.Revision)
	}
	return nil
}

// reconcile implements SPEC_FULL.md §4.10 step 5: rebuild buffered
// upsert payloads from the local store, or drop the intent if the
// conversation is gone or no longer eligible. Deletes need no payload.
func (a *Agent) reconcile() {
	for _, id := range a.state.DirtyIDs() {
		entry := a.state.Get(id)
		if entry.DirtyOp != DirtyOpUpsert {
			continue
		}
		conv, ok := a.store.Get(id)
		if !ok || !isEligible(conv) {
			_ = a.state.ClearDirty(id)
			continue
		}
		payload, err := marshalSanitized(conv)
		if err != nil {
			_ = a.state.ClearDirty(id)
			continue
		}
		a.state.SetPendingPayload(id, payload)
	}
}
