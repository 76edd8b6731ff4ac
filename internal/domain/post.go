package domain

import (
	"encoding/json"
	"time"
)

// Origin values recorded on cached posts.
const (
	OriginJetstream = "jetstream"
	OriginATProto   = "atproto"
)

// Audience values understood by the read path.
const (
	AudiencePublic        = "public"
	AudienceAuthenticated = "authenticated"
)

// CachedPost is a denormalized cache entry for a single upstream record.
type CachedPost struct {
	// ID is the store-assigned surrogate key.
	ID int64

	// URI is the AT-URI of the record (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	// It is the natural key and never changes once assigned.
	URI string

	// CID is the content identifier of the record's current revision.
	CID string

	// OwnerUserID is the local user that wrote the entry through the
	// authenticated upsert path; 0 for anonymously ingested posts.
	OwnerUserID int64

	// SourceAccountID links the entry to a local authoring identity, if known.
	SourceAccountID int64

	// Origin is the provenance tag (OriginJetstream or OriginATProto).
	Origin string

	AuthorDID    string
	AuthorHandle string
	Text         string

	// CreatedAtISO is the author-asserted creation time.
	CreatedAtISO string

	// IndexedAtISO is when the cache observed the record.
	IndexedAtISO string

	// Audience classifies who may read the entry.
	Audience string

	RequiresAuthToInteract bool

	// Raw is the full original payload.
	Raw json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// applyDefaults fills the fields a writer is allowed to leave empty.
func (p *CachedPost) applyDefaults() {
	if p.Origin == "" {
		p.Origin = OriginATProto
	}
	if p.Audience == "" {
		p.Audience = AudiencePublic
	}
}

// Viewer identifies who is reading the cache.
type Viewer struct {
	// UserID is the authenticated local user, or 0 for anonymous readers.
	UserID int64
}

// Audiences returns the audience classifiers visible to the viewer.
func (v Viewer) Audiences() []string {
	if v.UserID > 0 {
		return []string{AudiencePublic, AudienceAuthenticated}
	}
	return []string{AudiencePublic}
}
