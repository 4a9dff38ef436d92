package pagination

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Errorf("expected default page size %d, got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Errorf("expected empty page token, got %q", params.PageToken)
	}
}

func TestParseClampsPageSize(t *testing.T) {
	values := url.Values{"pageSize": []string{"500"}}
	params, err := Parse(values)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultMaxPageSize {
		t.Errorf("expected page size clamped to %d, got %d", DefaultMaxPageSize, params.PageSize)
	}
}

func TestParseRejectsInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-5"} {
		values := url.Values{"pageSize": []string{raw}}
		if _, err := Parse(values); !errors.Is(err, ErrInvalidPageSize) {
			t.Errorf("pageSize=%q: expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestParseRejectsMalformedToken(t *testing.T) {
	values := url.Values{"pageToken": []string{"%%%not-base64%%%"}}
	if _, err := Parse(values); !errors.Is(err, ErrInvalidPageToken) {
		t.Errorf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2026-01-02T00:00:00Z", "ord_01ABC"}})
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
		t.Fatalf("unexpected cursor values: %v", cursor.StartAfter)
	}
	if cursor.StartAfter[1] != "ord_01ABC" {
		t.Errorf("unexpected tiebreak value: %v", cursor.StartAfter[1])
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Errorf("expected empty token for empty cursor, got %q", token)
	}
}
