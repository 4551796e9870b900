package grammar

import "sync"

// JumpForwardCache is the per-grammar precomputed map from a matcher's
// recent-token digest to the deterministic string it forces next
// (spec.md §4.6, "per-grammar precomputed map enabling deterministic
// token-sequence skips"). It is shared by every Matcher cloned from the
// same compiled grammar, keyed additionally by grammarKey so distinct
// grammars never collide.
type JumpForwardCache struct {
	mu      sync.Mutex
	entries map[jfKey]string
}

type jfKey struct {
	grammarKey string
	digest     string
}

// NewJumpForwardCache creates an empty JumpForwardCache.
func NewJumpForwardCache() *JumpForwardCache {
	return &JumpForwardCache{entries: make(map[jfKey]string)}
}

// Lookup returns a previously computed forced string for (grammarKey,
// digest), if any.
func (c *JumpForwardCache) Lookup(grammarKey, digest string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[jfKey{grammarKey, digest}]
	return s, ok
}

// Store memoizes the forced string computed for (grammarKey, digest).
func (c *JumpForwardCache) Store(grammarKey, digest, forced string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jfKey{grammarKey, digest}] = forced
}
