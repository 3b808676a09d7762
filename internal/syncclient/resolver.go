package syncclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"
)

// ConflictResolver implements SPEC_FULL.md §4.7: on a 409, the remote
// version wins the original id and the local attempt survives under a
// freshly minted id.
type ConflictResolver struct {
	uploader *Uploader
	store    ConversationStore
	mute     *MuteRegistry
	state    *SyncState
	logger   *log.Logger
	ctx      context.Context
}

func NewConflictResolver(uploader *Uploader, store ConversationStore, mute *MuteRegistry, state *SyncState, logger *log.Logger) *ConflictResolver {
	if logger == nil {
		logger = log.Default()
	}
	return &ConflictResolver{uploader: uploader, store: store, mute: mute, state: state, logger: logger, ctx: context.Background()}
}

// HandleUpsertConflict is wired as the Uploader's ConflictHandler for
// upsert intents.
func (r *ConflictResolver) HandleUpsertConflict(id string, op DirtyOp, conflict *ConflictError) {
	if op != DirtyOpUpsert {
		return
	}
	client := r.uploader.Client()
	remote, err := client.GetConversation(r.ctx, id)
	if err != nil {
		_ = r.state.SetError(id, "remote_fetch_failed: "+err.Error())
		return
	}

	attempted, ok := r.state.PendingPayload(id)
	if !ok {
		// Nothing to preserve; the original just takes remote truth.
		_ = r.applyRemoteToOriginal(id, remote)
		_ = r.state.SetRemoteRevision(id, remote.Revision)
		_ = r.state.ClearDirty(id)
		_ = r.state.ClearError(id)
		return
	}

	var wire WireConversation
	if err := json.Unmarshal(attempted, &wire); err != nil {
		_ = r.state.SetError(id, "conflict_unresolvable: cannot parse attempted blob")
		return
	}

	copyID := mintConflictCopyID(id)
	now := time.Now()
	wire.ID = copyID
	wire.CreatedAt = now
	wire.UpdatedAt = now
	if wire.Title == "" {
		wire.Title = "Untitled (conflict copy)"
	} else {
		wire.Title = wire.Title + " (conflict copy)"
	}
	copyConv := inflate(wire)

	r.mute.WithMuted(copyID, func() {
		_ = r.store.Import(copyConv)
	})
	r.applyRemoteToOriginal(id, remote)

	_ = r.state.SetRemoteRevision(id, remote.Revision)
	_ = r.state.ClearDirty(id)
	_ = r.state.ClearError(id)

	copyPayload, err := marshalSanitized(copyConv)
	if err == nil {
		_ = r.state.MarkDirty(copyID, DirtyOpUpsert, copyPayload)
		r.uploader.TryFlush(copyID)
	}
}

// HandleDeleteConflict is wired as the Uploader's ConflictHandler for
// delete intents.
func (r *ConflictResolver) HandleDeleteConflict(id string, op DirtyOp, conflict *ConflictError) {
	if op != DirtyOpDelete {
		return
	}
	client := r.uploader.Client()
	remote, err := client.GetConversation(r.ctx, id)
	if err != nil {
		_ = r.state.SetError(id, "remote_fetch_failed: "+err.Error())
		return
	}
	r.applyRemoteToOriginal(id, remote)
	_ = r.state.SetRemoteRevision(id, remote.Revision)
	_ = r.state.ClearDirty(id)
	_ = r.state.ClearError(id)
}

func (r *ConflictResolver) applyRemoteToOriginal(id string, remote GetResult) error {
	var err error
	r.mute.WithMuted(id, func() {
		if remote.Deleted {
			if _, ok := r.store.Get(id); ok {
				err = r.store.Delete(id)
			}
			return
		}
		var wire WireConversation
		if unmarshalErr := json.Unmarshal(remote.Data, &wire); unmarshalErr != nil {
			err = unmarshalErr
			return
		}
		err = r.store.Import(inflate(wire))
	})
	return err
}

func mintConflictCopyID(originalID string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return originalID + "-conflict-" + hex.EncodeToString(buf)
}
