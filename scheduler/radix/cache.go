package radix

import "github.com/sglang-go/scheduler-core/scheduler/pool"

// Cache is the shared interface implemented by RadixCache and ChunkCache
// (spec.md §4.1/§4.2): the prefill adder and scheduler loop depend only on
// this interface so prefix sharing can be disabled without touching call
// sites.
type Cache interface {
	// MatchPrefix returns the longest prefix of tokens that is already
	// cached, the slots backing it, and the node the match ends at. The
	// returned node's LockRef is incremented by one; the caller must later
	// release that pin via CacheUnfinishedReq or CacheFinishedReq.
	MatchPrefix(tokens []int32, now int64) (matchedSlots []int, node *Node)

	// CacheUnfinishedReq transfers newly computed slots into the cache for
	// a request whose prefill has not finished, and re-pins the request at
	// its new last node. prevNode is the node the request was previously
	// pinned at (from MatchPrefix or a prior CacheUnfinishedReq call).
	CacheUnfinishedReq(tokens []int32, slots []int, prevNode *Node, now int64) *Node

	// CacheFinishedReq transfers all of a finished request's slots
	// (including its final output token) into the cache and releases the
	// pin held at prevNode.
	CacheFinishedReq(tokens []int32, slots []int, prevNode *Node, now int64)

	// Evict removes least-recently-used evictable entries until at least
	// numTokens slots have been returned to the pool, or no more entries
	// are evictable. Returns the number of slots actually freed.
	Evict(numTokens int) int

	// EvictableSize returns the number of slots currently held by the cache
	// that could be reclaimed by Evict.
	EvictableSize() int

	// Reset clears the cache. It is forbidden (returns an error) unless
	// every entry is unpinned.
	Reset() error

	// Release unpins node without caching anything further: used when a
	// request is discarded before reaching a normal finish (retraction,
	// abort) and its matched prefix must simply stop being held.
	Release(node *Node, now int64)
}

// lruList is the doubly-linked free list of currently-evictable nodes,
// ordered oldest (head) to most-recently-touched (tail) — the same
// free-list idiom the KV block pool uses for its free blocks.
type lruList struct {
	head, tail *Node
	tokens     int // sum of len(Key) over member nodes
}

func (l *lruList) add(n *Node) {
	if n.inFree {
		return
	}
	n.inFree = true
	n.nextFree = nil
	n.prevFree = l.tail
	if l.tail != nil {
		l.tail.nextFree = n
	} else {
		l.head = n
	}
	l.tail = n
	l.tokens += len(n.Key)
}

func (l *lruList) remove(n *Node) {
	if !n.inFree {
		return
	}
	n.inFree = false
	if n.prevFree != nil {
		n.prevFree.nextFree = n.nextFree
	} else {
		l.head = n.nextFree
	}
	if n.nextFree != nil {
		n.nextFree.prevFree = n.prevFree
	} else {
		l.tail = n.prevFree
	}
	n.prevFree = nil
	n.nextFree = nil
	l.tokens -= len(n.Key)
}

// touch moves n to the tail (most-recently-used position), adding it first
// if it isn't already a member.
func (l *lruList) touch(n *Node, now int64) {
	n.LastAccess = now
	if n.inFree {
		l.remove(n)
	}
	l.add(n)
}

// popOldest removes and returns the least-recently-used member, or nil.
func (l *lruList) popOldest() *Node {
	n := l.head
	if n == nil {
		return nil
	}
	l.remove(n)
	return n
}

// freeSlots returns a node's slots to the KV pool.
func freeSlots(p *pool.KVPool, n *Node) {
	if len(n.Slots) > 0 {
		p.Free(n.Slots...)
	}
}
