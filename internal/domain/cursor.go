package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PageCursor is a keyset position in the (updated_at DESC, uri DESC) order.
type PageCursor struct {
	UpdatedAt time.Time
	URI       string
}

// Encode serializes the cursor to an opaque, URL-safe string.
// Format: base64url("us:{updated_at_micros}:id:{uri}")
func (c PageCursor) Encode() string {
	raw := fmt.Sprintf("us:%d:id:%s", c.UpdatedAt.UnixMicro(), c.URI)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodePageCursor parses an encoded cursor. An empty string yields a nil
// cursor (first page).
func DecodePageCursor(encoded string) (*PageCursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding: %v", ErrInvalidCursor, err)
	}

	raw := string(data)
	if !strings.HasPrefix(raw, "us:") {
		return nil, fmt.Errorf("%w: missing us prefix", ErrInvalidCursor)
	}

	parts := strings.SplitN(raw[len("us:"):], ":id:", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: missing id segment", ErrInvalidCursor)
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", ErrInvalidCursor, err)
	}

	return &PageCursor{
		UpdatedAt: time.UnixMicro(micros).UTC(),
		URI:       parts[1],
	}, nil
}
