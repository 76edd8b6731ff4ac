package domain

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// wrapperKeys are the object keys a bulk payload may nest its item list under.
var wrapperKeys = []string{"items", "posts", "data", "feed"}

// NormalizeItems extracts the list of items from a loosely shaped bulk
// payload: a bare array, or an object wrapping the array under one of the
// recognized keys (one level of nesting is followed, e.g. {"data":{"items":[]}}).
func NormalizeItems(body []byte) ([]gjson.Result, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidPayload)
	}

	items, ok := findItems(gjson.ParseBytes(body), 2)
	if !ok {
		return nil, fmt.Errorf("%w: expected an array or an object with one of %s", ErrInvalidPayload, strings.Join(wrapperKeys, ", "))
	}
	return items, nil
}

func findItems(v gjson.Result, depth int) ([]gjson.Result, bool) {
	if v.IsArray() {
		return v.Array(), true
	}
	if !v.IsObject() || depth == 0 {
		return nil, false
	}
	for _, key := range wrapperKeys {
		if items, ok := findItems(v.Get(key), depth-1); ok {
			return items, true
		}
	}
	return nil, false
}

// PostFromItem maps one loosely shaped item onto a CachedPost. Both flat
// items and feed-view items ({"post":{...}}) are understood. The returned
// post has an empty URI when the item carries none.
func PostFromItem(item gjson.Result) CachedPost {
	post := item
	if nested := item.Get("post"); nested.IsObject() {
		post = nested
	}

	cp := CachedPost{
		URI:             firstString(post, "uri", "recordUri"),
		CID:             firstString(post, "cid", "contentId"),
		AuthorDID:       firstString(post, "author.did", "authorDid"),
		AuthorHandle:    firstString(post, "author.handle", "authorHandle"),
		Text:            firstString(post, "record.text", "text"),
		CreatedAtISO:    firstString(post, "record.createdAt", "createdAt", "createdAtIso"),
		IndexedAtISO:    firstString(post, "indexedAt", "indexedAtIso"),
		Audience:        firstString(item, "audience"),
		Origin:          firstString(item, "origin"),
		SourceAccountID: item.Get("sourceAccountId").Int(),
		Raw:             []byte(item.Raw),
	}
	cp.RequiresAuthToInteract = item.Get("requiresAuthToInteract").Bool()

	if cp.AuthorDID == "" && strings.HasPrefix(cp.URI, "at://") {
		if did, _, ok := strings.Cut(strings.TrimPrefix(cp.URI, "at://"), "/"); ok {
			cp.AuthorDID = did
		}
	}

	return cp
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := v.Get(p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(r.String()); s != "" {
			return s
		}
	}
	return ""
}
