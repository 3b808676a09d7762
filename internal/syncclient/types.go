// Package syncclient implements the client-side sync agent: a change
// watcher, a dirty-queue uploader, a conflict resolver, a mute registry,
// and a realtime channel, coordinated by an Agent bootstrap.
package syncclient

import (
	"encoding/json"
	"time"
)

// DirtyOp is a pending, not-yet-acknowledged local intent for a
// conversation id.
type DirtyOp string

const (
	DirtyOpNone   DirtyOp = ""
	DirtyOpUpsert DirtyOp = "upsert"
	DirtyOpDelete DirtyOp = "delete"
)

// ConversationState is the persisted per-id sync bookkeeping described in
// SPEC_FULL.md §3. pendingUpsertPayload is intentionally not part of this
// struct: it is held only in the in-memory pending map and rebuilt from
// the local store on restart.
type ConversationState struct {
	RemoteRevision *uint64   `json:"remoteRevision,omitempty"`
	DirtyOp        DirtyOp   `json:"dirtyOp,omitempty"`
	LastAttemptAt  time.Time `json:"lastAttemptAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}

// LocalMessage is a single turn in a locally stored conversation.
// CancelHandle and TokenCount are transient or locally computed: they are
// tagged json:"-" and sanitize drops them, so they never cross the wire.
type LocalMessage struct {
	Role         string `json:"role"`
	Text         string `json:"text"`
	CancelHandle string `json:"-"`
	TokenCount   int    `json:"-"`
}

// LocalConversation is the shape the local conversation store hands to
// the watcher and receives back from remote-applied imports.
type LocalConversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Incognito bool           `json:"incognito,omitempty"`
	Messages  []LocalMessage `json:"messages,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty"`
}

// WireMessage and WireConversation are the sanitized shapes that travel
// over the Sync API. They omit LocalMessage.CancelHandle and
// LocalMessage.TokenCount.
type WireMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type WireConversation struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Messages  []WireMessage `json:"messages,omitempty"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt,omitempty"`
}

// sanitize strips transient/local-only fields before a conversation is
// sent to the server. inflate is its inverse, re-attaching zero-value
// defaults for fields the wire shape does not carry.
func sanitize(c LocalConversation) WireConversation {
	msgs := make([]WireMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		msgs = append(msgs, WireMessage{Role: m.Role, Text: m.Text})
	}
	return WireConversation{
		ID:        c.ID,
		Title:     c.Title,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func inflate(w WireConversation) LocalConversation {
	msgs := make([]LocalMessage, 0, len(w.Messages))
	for _, m := range w.Messages {
		msgs = append(msgs, LocalMessage{Role: m.Role, Text: m.Text})
	}
	return LocalConversation{
		ID:        w.ID,
		Title:     w.Title,
		Messages:  msgs,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func marshalSanitized(c LocalConversation) (json.RawMessage, error) {
	return json.Marshal(sanitize(c))
}

// isEligible implements the sync-eligibility filter of SPEC_FULL.md §4.5:
// not incognito, and has at least one message or a title.
func isEligible(c LocalConversation) bool {
	if c.Incognito {
		return false
	}
	return len(c.Messages) > 0 || c.Title != ""
}
