package pagination

import (
	"errors"
	"testing"
)

func TestEncodeTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2026-08-01T00:00:00Z", "ord_1"}})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	cursor, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(cursor.StartAfter) != 2 {
		t.Fatalf("expected two cursor values, got %d", len(cursor.StartAfter))
	}
	if cursor.StartAfter[1] != "ord_1" {
		t.Fatalf("unexpected cursor id %v", cursor.StartAfter[1])
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	if _, err := DecodeToken("!!not-base64!!"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
	if _, err := DecodeToken("bm90LWpzb24"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken for non-json payload, got %v", err)
	}
}

func TestDecodeTokenEmptyInput(t *testing.T) {
	cursor, err := DecodeToken("   ")
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(cursor.StartAfter) != 0 || len(cursor.StartAt) != 0 {
		t.Fatal("expected zero cursor for empty token")
	}
}
