// Package syncapi defines the wire contract shared by the sync server and
// the sync client, and implements the server side of that contract.
package syncapi

import (
	"encoding/json"
	"time"
)

type ListItem struct {
	ConversationID string    `json:"conversationId"`
	Revision       uint64    `json:"revision"`
	Deleted        bool      `json:"deleted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type ListResponse struct {
	Items []ListItem `json:"items"`
}

type GetResponse struct {
	ConversationID string          `json:"conversationId"`
	Revision       uint64          `json:"revision"`
	Deleted        bool            `json:"deleted"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type WriteRequestBody struct {
	BaseRevision *uint64         `json:"baseRevision"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type WriteResponse struct {
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
}

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type ConflictBody struct {
	Error          string `json:"error"`
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

// ChangedEvent is the JSON payload of a conversation_changed SSE event.
type ChangedEvent struct {
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeServerError     = "server_error"
)
