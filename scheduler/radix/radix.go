package radix

import (
	"errors"

	"github.com/sglang-go/scheduler-core/scheduler/pool"
)

// ErrCacheInUse is returned by Reset when a request still holds a pin.
var ErrCacheInUse = errors.New("radix: reset forbidden while any node is pinned")

// RadixCache is a token-keyed radix trie over the KV slot pool. It amortizes
// prefix matching to O(match length) and uses reference-counted pinning so
// eviction never removes a prefix a live request depends on.
type RadixCache struct {
	root *Node
	pool *pool.KVPool
	lru  *lruList
}

var _ Cache = (*RadixCache)(nil)

// NewRadixCache creates an empty RadixCache backed by p.
func NewRadixCache(p *pool.KVPool) *RadixCache {
	return &RadixCache{root: newNode(nil, nil, nil), pool: p, lru: &lruList{}}
}

func commonPrefixLen(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// splitEdge splits child's edge at offset i (0 < i < len(child.Key)),
// inserting a new intermediate node that owns the shared prefix. Returns the
// intermediate node, which now occupies child's former position.
func (c *RadixCache) splitEdge(child *Node, i int) *Node {
	mid := newNode(child.parent, child.Key[:i], child.Slots[:i])
	mid.LastAccess = child.LastAccess

	child.parent = mid
	child.Key = append([]int32(nil), child.Key[i:]...)
	child.Slots = append([]int(nil), child.Slots[i:]...)
	child.Hash = edgeHash(child.Key)
	mid.children[child.Key[0]] = child

	mid.parent.children[mid.Key[0]] = mid
	return mid
}

// addChild attaches child under parent, removing parent from the eviction
// free list if this is its first child.
func (c *RadixCache) addChild(parent, child *Node) {
	if parent.isLeaf() && parent.inFree {
		c.lru.remove(parent)
	}
	parent.children[child.Key[0]] = child
}

// insertAt extends the trie below parent with tokens/slots, merging into an
// existing edge wherever one already matches and splitting at the first
// divergence. Returns the node the inserted sequence ends at.
func (c *RadixCache) insertAt(parent *Node, tokens []int32, slots []int, now int64) *Node {
	node := parent
	pos := 0
	for pos < len(tokens) {
		child, ok := node.children[tokens[pos]]
		if !ok {
			leaf := newNode(node, tokens[pos:], slots[pos:])
			leaf.LastAccess = now
			c.addChild(node, leaf)
			return leaf
		}
		n := commonPrefixLen(child.Key, tokens[pos:])
		if n < len(child.Key) {
			child = c.splitEdge(child, n)
		}
		child.LastAccess = now
		pos += n
		node = child
	}
	return node
}

func (c *RadixCache) pin(n *Node) {
	if n == c.root {
		return
	}
	n.LockRef++
	if n.inFree {
		c.lru.remove(n)
	}
}

func (c *RadixCache) unpin(n *Node, now int64) {
	if n == c.root || n.LockRef == 0 {
		return
	}
	n.LockRef--
	if n.LockRef == 0 && n.isLeaf() {
		c.lru.touch(n, now)
	}
}

// MatchPrefix implements Cache.MatchPrefix.
func (c *RadixCache) MatchPrefix(tokens []int32, now int64) ([]int, *Node) {
	node := c.root
	matched := make([]int, 0, len(tokens))
	pos := 0
	for pos < len(tokens) {
		child, ok := node.children[tokens[pos]]
		if !ok {
			break
		}
		n := commonPrefixLen(child.Key, tokens[pos:])
		if n < len(child.Key) {
			child = c.splitEdge(child, n)
		}
		child.LastAccess = now
		matched = append(matched, child.Slots...)
		pos += n
		node = child
	}
	c.pin(node)
	return matched, node
}

// CacheUnfinishedReq implements Cache.CacheUnfinishedReq.
func (c *RadixCache) CacheUnfinishedReq(tokens []int32, slots []int, prevNode *Node, now int64) *Node {
	matchedLen := prevNode.MatchedLen()
	target := prevNode
	if matchedLen < len(tokens) {
		target = c.insertAt(prevNode, tokens[matchedLen:], slots[matchedLen:], now)
	}
	if target != prevNode {
		c.pin(target)
		c.unpin(prevNode, now)
	}
	return target
}

// CacheFinishedReq implements Cache.CacheFinishedReq.
func (c *RadixCache) CacheFinishedReq(tokens []int32, slots []int, prevNode *Node, now int64) {
	matchedLen := prevNode.MatchedLen()
	target := prevNode
	if matchedLen < len(tokens) {
		target = c.insertAt(prevNode, tokens[matchedLen:], slots[matchedLen:], now)
	}
	c.unpin(prevNode, now)
	if target != prevNode && target.evictable() {
		c.lru.touch(target, now)
	}
}

// Release implements Cache.Release.
func (c *RadixCache) Release(n *Node, now int64) {
	c.unpin(n, now)
}

// Evict implements Cache.Evict.
func (c *RadixCache) Evict(numTokens int) int {
	freed := 0
	for freed < numTokens {
		n := c.lru.popOldest()
		if n == nil {
			break
		}
		freeSlots(c.pool, n)
		freed += len(n.Key)
		c.detach(n)
	}
	return freed
}

func (c *RadixCache) detach(n *Node) {
	parent := n.parent
	delete(parent.children, n.Key[0])
	n.parent = nil
	if parent != c.root && parent.evictable() {
		c.lru.add(parent)
	}
}

// EvictableSize implements Cache.EvictableSize.
func (c *RadixCache) EvictableSize() int {
	return c.lru.tokens
}

// Reset implements Cache.Reset.
func (c *RadixCache) Reset() error {
	if hasLockedDescendant(c.root) {
		return ErrCacheInUse
	}
	var slots []int
	collectSlots(c.root, &slots)
	if len(slots) > 0 {
		c.pool.Free(slots...)
	}
	c.root = newNode(nil, nil, nil)
	c.lru = &lruList{}
	return nil
}

func hasLockedDescendant(n *Node) bool {
	if n.LockRef > 0 {
		return true
	}
	for _, child := range n.children {
		if hasLockedDescendant(child) {
			return true
		}
	}
	return false
}

func collectSlots(n *Node, out *[]int) {
	*out = append(*out, n.Slots...)
	for _, child := range n.children {
		collectSlots(child, out)
	}
}
