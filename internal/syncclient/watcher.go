package syncclient

import (
	"reflect"
	"sync"
	"time"
)

const (
	defaultDebounce = 900 * time.Millisecond
	defaultMaxWait  = 5 * time.Second
)

// ChangeWatcher observes a ConversationStore and turns eligible mutations
// into debounced upsert/delete intents, per SPEC_FULL.md §4.5.
type ChangeWatcher struct {
	state    *SyncState
	mute     *MuteRegistry
	onReady  func(id string)
	debounce time.Duration
	maxWait  time.Duration

	mu     sync.Mutex
	timers map[string]*pendingIntent
	cancel func()
}

type pendingIntent struct {
	op            DirtyOp
	timer         *time.Timer
	firstQueuedAt time.Time
}

// NewChangeWatcher builds a watcher. onReady is invoked (off the store's
// callback goroutine, via time.AfterFunc) once a debounced intent is due;
// the Agent wires the Uploader's TryFlush as onReady.
func NewChangeWatcher(state *SyncState, mute *MuteRegistry, onReady func(id string)) *ChangeWatcher {
	return &ChangeWatcher{
		state:    state,
		mute:     mute,
		onReady:  onReady,
		debounce: defaultDebounce,
		maxWait:  defaultMaxWait,
		timers:   map[string]*pendingIntent{},
	}
}

// Start subscribes to store and returns once wired; call Stop to unwind.
func (w *ChangeWatcher) Start(store ConversationStore) {
	w.cancel = store.Subscribe(w.handleChange)
}

// Stop unsubscribes from the store and cancels every pending debounce
// timer, per SPEC_FULL.md §5's cancellation contract.
func (w *ChangeWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, entry := range w.timers {
		entry.timer.Stop()
		delete(w.timers, id)
	}
}

func (w *ChangeWatcher) handleChange(change StoreChange) {
	for _, id := range sortedIDs(change.Prev) {
		if _, stillPresent := change.Next[id]; stillPresent {
			continue
		}
		prevConv := change.Prev[id]
		if isEligible(prevConv) {
			w.queueIntent(id, DirtyOpDelete, nil)
		}
	}

	for _, id := range sortedIDs(change.Next) {
		nextConv := change.Next[id]
		prevConv, existed := change.Prev[id]
		switch {
		case !existed:
			if isEligible(nextConv) {
				w.emitUpsert(id, nextConv)
			}
		case reflect.DeepEqual(prevConv, nextConv):
			// no-op: unrelated key in the same batch, not this id's change.
		case isEligible(prevConv) && !isEligible(nextConv):
			w.queueIntent(id, DirtyOpDelete, nil)
		case isEligible(nextConv):
			w.emitUpsert(id, nextConv)
		}
	}
}

func (w *ChangeWatcher) emitUpsert(id string, conv LocalConversation) {
	payload, err := marshalSanitized(conv)
	if err != nil {
		return
	}
	w.queueIntent(id, DirtyOpUpsert, payload)
}

// queueIntent applies the mute filter, the last-intent-wins merge, and the
// per-id debounce/maxWait state machine described in SPEC_FULL.md §9.
func (w *ChangeWatcher) queueIntent(id string, op DirtyOp, payload []byte) {
	if w.mute.IsMuted(id) {
		return
	}

	w.mu.Lock()
	now := time.Now()
	entry, exists := w.timers[id]
	if exists {
		entry.timer.Stop()
		if entry.op != op {
			entry.firstQueuedAt = now
		}
	} else {
		entry = &pendingIntent{firstQueuedAt: now}
	}
	entry.op = op

	wait := w.debounce
	if remaining := w.maxWait - now.Sub(entry.firstQueuedAt); remaining < wait {
		if remaining < 0 {
			remaining = 0
		}
		wait = remaining
	}
	entry.timer = time.AfterFunc(wait, func() { w.fire(id) })
	w.timers[id] = entry
	w.mu.Unlock()

	_ = w.state.MarkDirty(id, op, payload)
}

func (w *ChangeWatcher) fire(id string) {
	w.mu.Lock()
	delete(w.timers, id)
	w.mu.Unlock()
	w.onReady(id)
}
