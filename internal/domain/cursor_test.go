package domain

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCursorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		uri  string
	}{
		{"microsecond precision", time.Date(2024, 3, 9, 11, 22, 33, 123456000, time.UTC), "at://did:plc:abc/app.bsky.feed.post/3k"},
		{"uri containing colons", time.Unix(1700000000, 0).UTC(), "at://did:web:example.com:8080/app.bsky.feed.post/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := PageCursor{UpdatedAt: tt.at, URI: tt.uri}.Encode()
			got, err := DecodePageCursor(encoded)
			require.NoError(t, err)
			assert.True(t, got.UpdatedAt.Equal(tt.at), "got %v want %v", got.UpdatedAt, tt.at)
			assert.Equal(t, tt.uri, got.URI)
		})
	}
}

func TestDecodePageCursorEmpty(t *testing.T) {
	c, err := DecodePageCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodePageCursorInvalid(t *testing.T) {
	for _, in := range []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("ts:1:id:x")),
		base64.RawURLEncoding.EncodeToString([]byte("us:abc:id:x")),
		base64.RawURLEncoding.EncodeToString([]byte("us:12")),
	} {
		_, err := DecodePageCursor(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}
