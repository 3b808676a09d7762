package revlog

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidateConversationID(t *testing.T) {
	if err := ValidateConversationID(strings.Repeat("a", 128)); err != nil {
		t.Fatalf("128 chars should be accepted: %v", err)
	}
	if err := ValidateConversationID(strings.Repeat("a", 129)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("129 chars should be rejected, got %v", err)
	}
	if err := ValidateConversationID("has a space"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("non-url-safe id should be rejected, got %v", err)
	}
	if err := ValidateConversationID(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty id should be rejected, got %v", err)
	}
}

func TestValidateBlob(t *testing.T) {
	if err := ValidateBlob(json.RawMessage(`{"id":"c1"}`), "c1"); err != nil {
		t.Fatalf("matching id should be accepted: %v", err)
	}
	if err := ValidateBlob(json.RawMessage(`{}`), "c1"); err != nil {
		t.Fatalf("blob without id should be accepted: %v", err)
	}
	if err := ValidateBlob(json.RawMessage(`{"id":"other"}`), "c1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("mismatched id should be rejected, got %v", err)
	}
	if err := ValidateBlob(json.RawMessage(`[]`), "c1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("array body should be rejected, got %v", err)
	}
	if err := ValidateBlob(json.RawMessage(`"scalar"`), "c1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("scalar body should be rejected, got %v", err)
	}
}
