package radix

import "github.com/sglang-go/scheduler-core/scheduler/pool"

// ChunkCache is the degenerate alternative to RadixCache: each request owns
// exactly one node holding all of its tokens, with no cross-request sharing
// and no edge splitting. Used when prefix reuse is disabled or chunked
// prefill requires strict sequentiality (spec.md §4.2).
type ChunkCache struct {
	root   *Node
	pool   *pool.KVPool
	lru    *lruList
	active map[*Node]struct{} // live nodes not yet evicted, keyed by identity
}

var _ Cache = (*ChunkCache)(nil)

// NewChunkCache creates an empty ChunkCache backed by p.
func NewChunkCache(p *pool.KVPool) *ChunkCache {
	return &ChunkCache{root: newNode(nil, nil, nil), pool: p, lru: &lruList{}, active: make(map[*Node]struct{})}
}

// MatchPrefix always reports no match: the chunk cache never shares prefixes
// across requests. It still returns a fresh node for the caller to hold as
// its pin handle, consistent with the shared Cache contract.
func (c *ChunkCache) MatchPrefix(_ []int32, now int64) ([]int, *Node) {
	n := newNode(c.root, nil, nil)
	n.LastAccess = now
	n.LockRef = 1 // pinned on creation, matching RadixCache.MatchPrefix's contract
	c.active[n] = struct{}{}
	return nil, n
}

// CacheUnfinishedReq replaces the node's full token/slot contents (the
// request's entire prefill-so-far) and keeps it pinned.
func (c *ChunkCache) CacheUnfinishedReq(tokens []int32, slots []int, prevNode *Node, now int64) *Node {
	prevNode.Key = append([]int32(nil), tokens...)
	prevNode.Slots = append([]int(nil), slots...)
	prevNode.LastAccess = now
	return prevNode
}

// CacheFinishedReq stores the request's final tokens/slots and releases the
// pin, making the node evictable (still not shareable — EvictableSize simply
// tracks it as reclaimable dead weight, per spec.md §4.2's "same interface"
// requirement).
func (c *ChunkCache) CacheFinishedReq(tokens []int32, slots []int, prevNode *Node, now int64) {
	prevNode.Key = append([]int32(nil), tokens...)
	prevNode.Slots = append([]int(nil), slots...)
	prevNode.LastAccess = now
	c.active[prevNode] = struct{}{}
	if prevNode.LockRef > 0 {
		prevNode.LockRef--
	}
	if prevNode.evictable() {
		c.lru.touch(prevNode, now)
	}
}

// Release implements Cache.Release: unpins n and, if that makes it
// evictable, registers it as reclaimable dead weight.
func (c *ChunkCache) Release(n *Node, now int64) {
	if n.LockRef > 0 {
		n.LockRef--
	}
	c.active[n] = struct{}{}
	if n.evictable() {
		c.lru.touch(n, now)
	}
}

// Evict implements Cache.Evict.
func (c *ChunkCache) Evict(numTokens int) int {
	freed := 0
	for freed < numTokens {
		n := c.lru.popOldest()
		if n == nil {
			break
		}
		freeSlots(c.pool, n)
		freed += len(n.Key)
		delete(c.active, n)
	}
	return freed
}

// EvictableSize implements Cache.EvictableSize.
func (c *ChunkCache) EvictableSize() int { return c.lru.tokens }

// Reset implements Cache.Reset.
func (c *ChunkCache) Reset() error {
	for n := range c.active {
		if n.LockRef > 0 {
			return ErrCacheInUse
		}
	}
	var slots []int
	for n := range c.active {
		slots = append(slots, n.Slots...)
	}
	if len(slots) > 0 {
		c.pool.Free(slots...)
	}
	c.root = newNode(nil, nil, nil)
	c.lru = &lruList{}
	c.active = make(map[*Node]struct{})
	return nil
}
