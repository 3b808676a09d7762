package syncclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestHTTPAPIClientUpsertAndGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"conversationId": "c1", "revision": 1})
		case r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"conversationId": "c1", "revision": 1, "deleted": false, "data": json.RawMessage(`{"id":"c1"}`)})
		}
	}))
	defer srv.Close()

	client := NewHTTPAPIClient(srv.URL, "tok", nil)
	res, err := client.UpsertConversation(context.Background(), "c1", nil, json.RawMessage(`{"id":"c1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", res.Revision)
	}

	got, err := client.GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", got.Revision)
	}
}

func TestHTTPAPIClientConflictMapsToConflictError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "conflict", "conversationId": "c1", "revision": 4, "deleted": false})
	}))
	defer srv.Close()

	client := NewHTTPAPIClient(srv.URL, "tok", nil)
	rev := uint64(1)
	_, err := client.UpsertConversation(context.Background(), "c1", &rev, json.RawMessage(`{"id":"c1"}`))
	var conflict *ConflictError
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !isConflictError(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
	if conflict.Revision != 4 {
		t.Fatalf("expected current revision 4, got %d", conflict.Revision)
	}
}

func isConflictError(err error, target **ConflictError) bool {
	c, ok := err.(*ConflictError)
	if ok {
		*target = c
	}
	return ok
}

func TestHTTPAPIClientRetriesOn503(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	client := NewHTTPAPIClient(srv.URL, "tok", nil)
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	_, err := client.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least one retry, got %d attempts", attempts)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d := parseRetryAfter("2"); d != 2*time.Second {
		t.Fatalf("expected 2s, got %v", d)
	}
}

func TestParseRetryAfterEmpty(t *testing.T) {
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
}

func TestRetryDelayExponentialBackoffCapped(t *testing.T) {
	c := NewHTTPAPIClient("http://example.invalid", "tok", nil)
	c.baseDelay = 100 * time.Millisecond
	c.maxDelay = time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := c.retryDelay(attempt, "")
		if d > c.maxDelay {
			t.Fatalf("delay %v exceeds cap %v", d, c.maxDelay)
		}
		if d < prev {
			t.Fatalf("expected non-decreasing backoff, got %v after %v", d, prev)
		}
		prev = d
	}
}

func TestSSEEventStreamParsesConversationChanged(t *testing.T) {
	body := "event: ready\ndata: {}\n\n" +
		"event: ping\ndata: {}\n\n" +
		"event: conversation_changed\ndata: {\"conversationId\":\"c1\",\"revision\":3,\"deleted\":false}\n\n"
	stream := &sseEventStream{body: io.NopCloser(strings.NewReader(body)), scanner: bufio.NewScanner(strings.NewReader(body))}
	evt, err := stream.Next()
	if err != nil {
		t.Fatal(err)
	}
	if evt.ConversationID != "c1" || evt.Revision != 3 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestRetryDelayHonorsRetryAfterHeader(t *testing.T) {
	c := NewHTTPAPIClient("http://example.invalid", "tok", nil)
	c.maxDelay = 10 * time.Second
	d := c.retryDelay(1, strconv.Itoa(3))
	if d != 3*time.Second {
		t.Fatalf("expected 3s from Retry-After, got %v", d)
	}
}
