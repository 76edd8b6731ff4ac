package firehose

import "sync"

// IdentityTable maps DIDs to their most recently announced handle. It lives
// for the life of the process and is rebuilt from identity events after a
// restart; entries are never evicted.
type IdentityTable struct {
	mu      sync.RWMutex
	handles map[string]string
}

// NewIdentityTable returns an empty table.
func NewIdentityTable() *IdentityTable {
	return &IdentityTable{handles: make(map[string]string)}
}

// Set records the handle for did.
func (t *IdentityTable) Set(did, handle string) {
	t.mu.Lock()
	t.handles[did] = handle
	t.mu.Unlock()
}

// Handle returns the known handle for did, or "".
func (t *IdentityTable) Handle(did string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handles[did]
}

// Len reports the number of known identities.
func (t *IdentityTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}
