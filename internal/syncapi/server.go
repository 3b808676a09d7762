package syncapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/convosync/convosync/internal/revlog"
)

type ServerConfig struct {
	AuthSecret      string
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	SSEKeepAlive    time.Duration
	SSETTL          time.Duration
	SSERetry        time.Duration
	Logger          *log.Logger
	Now             func() time.Time
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.SSEKeepAlive <= 0 {
		c.SSEKeepAlive = 25 * time.Second
	}
	if c.SSETTL <= 0 {
		c.SSETTL = 60 * time.Second
	}
	if c.SSERetry <= 0 {
		c.SSERetry = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Server is the Sync API: the request-level contract of SPEC_FULL.md §4.3,
// gluing the Revision Store and the Notifier together the way the
// teacher's httpapi.Server glues its Store to HTTP.
type Server struct {
	store    revlog.RevisionStore
	notifier revlog.Notifier
	cfg      ServerConfig
	limiter  *rateLimiter
}

func NewServer(store revlog.RevisionStore, notifier revlog.Notifier, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	return &Server{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		limiter:  newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	userID, authErr := authenticateBearer(r.Header.Get("Authorization"), s.cfg.AuthSecret, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	if !s.limiter.allow(userID, s.cfg.Now()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
		return
	}

	if r.URL.Path == "/sync/events" && r.Method == http.MethodGet {
		s.handleEvents(w, r, userID)
		return
	}
	if r.URL.Path == "/sync/conversations" && r.Method == http.MethodGet {
		s.handleList(w, r, userID)
		return
	}

	const prefix = "/sync/conversations/"
	if strings.HasPrefix(r.URL.Path, prefix) {
		conversationID := strings.TrimPrefix(r.URL.Path, prefix)
		if err := revlog.ValidateConversationID(conversationID); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid conversation id")
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleGet(w, r, userID, conversationID)
		case http.MethodPut:
			s.handlePut(w, r, userID, conversationID)
		case http.MethodDelete:
			s.handleDelete(w, r, userID, conversationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, ErrCodeInvalidRequest, "method not allowed")
		}
		return
	}

	writeError(w, http.StatusNotFound, ErrCodeNotFound, "route not found")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	items, err := s.store.List(r.Context(), userID)
	if err != nil {
		s.cfg.Logger.Printf("syncapi: list failed for user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, ErrCodeServerError, "storage error")
		return
	}
	out := make([]ListItem, 0, len(items))
	for _, m := range items {
		out = append(out, ListItem{
			ConversationID: m.ConversationID,
			Revision:       m.Revision,
			Deleted:        m.Deleted,
			UpdatedAt:      m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	rec, err := s.store.Get(r.Context(), userID, conversationID)
	if errors.Is(err, revlog.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Printf("syncapi: get failed for user=%s id=%s: %v", userID, conversationID, err)
		writeError(w, http.StatusInternalServerError, ErrCodeServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{
		ConversationID: conversationID,
		Revision:       rec.Revision,
		Deleted:        rec.Deleted,
		Data:           rec.Blob,
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req WriteRequestBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed request body")
			return
		}
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing data field")
		return
	}
	if err := revlog.ValidateBlob(req.Data, conversationID); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid data: "+err.Error())
		return
	}

	rev, err := s.store.Upsert(r.Context(), userID, conversationID, req.BaseRevision, req.Data)
	s.finishWrite(w, r, userID, conversationID, rev, false, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req WriteRequestBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed request body")
			return
		}
	}
	// A missing body is treated as baseRevision=null per SPEC_FULL.md §4.3.

	rev, err := s.store.Tombstone(r.Context(), userID, conversationID, req.BaseRevision)
	s.finishWrite(w, r, userID, conversationID, rev, true, err)
}

func (s *Server) finishWrite(w http.ResponseWriter, r *http.Request, userID, conversationID string, rev uint64, deleted bool, err error) {
	var conflict *revlog.ConflictError
	switch {
	case err == nil:
		s.notifier.Publish(userID, revlog.ChangeEvent{ConversationID: conversationID, Revision: rev, Deleted: deleted})
		writeJSON(w, http.StatusOK, WriteResponse{ConversationID: conversationID, Revision: rev})
	case errors.Is(err, revlog.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "baseRevision refers to a missing conversation")
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ConflictBody{
			Error:          ErrCodeConflict,
			ConversationID: conversationID,
			Revision:       conflict.CurrentRevision,
			Deleted:        conflict.Deleted,
		})
	case errors.Is(err, revlog.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		s.cfg.Logger.Printf("syncapi: write failed for user=%s id=%s: %v", userID, conversationID, err)
		writeError(w, http.StatusInternalServerError, ErrCodeServerError, "storage error")
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: code, Message: message})
}
