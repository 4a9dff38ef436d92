// Package pagination implements the cursor token scheme shared by list
// endpoints and the Firestore repositories.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits pageSize.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps the supported pageSize to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Cursor represents the Firestore pagination cursor payload.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
}

// Params bundles the pagination values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// Parse reads pageSize and pageToken from the supplied query values. The
// token is syntax-checked here so handlers can reject bad cursors with a 400
// before touching storage.
func Parse(values url.Values) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	params := Params{PageSize: DefaultPageSize}

	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		if size > DefaultMaxPageSize {
			size = DefaultMaxPageSize
		}
		params.PageSize = size
	}

	if token := strings.TrimSpace(values.Get("pageToken")); token != "" {
		if _, err := DecodeToken(token); err != nil {
			return Params{}, err
		}
		params.PageToken = token
	}

	return params, nil
}

// EncodeToken serialises the provided cursor into a base64 URL-safe page token.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses the page token produced by EncodeToken back into a cursor.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}
