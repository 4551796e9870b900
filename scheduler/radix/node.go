// Package radix implements the token-keyed radix prefix cache and its
// degenerate sibling, the chunk cache, over a shared KV slot pool.
package radix

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Node is a radix-trie node (or, for the chunk cache, a single-request leaf).
// The edge from parent to this node is labeled with Key (a run of token ids)
// and backed one-to-one by Slots (the KV pool slots holding those tokens).
type Node struct {
	parent   *Node
	children map[int32]*Node // keyed by the first token id of the child's edge

	Key   []int32
	Slots []int

	// LockRef counts live requests whose matched prefix ends at or below
	// this node. A node is evictable iff LockRef == 0 and it has no
	// children (spec.md §3 invariant (a)).
	LockRef int

	LastAccess int64

	// Hash is a content fingerprint of Key, set on creation and recomputed
	// when an edge is split; nothing in this module reads it.
	Hash uint64

	// LRU free-list links; valid only while this node is evictable.
	prevFree *Node
	nextFree *Node
	inFree   bool
}

func newNode(parent *Node, key []int32, slots []int) *Node {
	return &Node{
		parent:   parent,
		children: make(map[int32]*Node),
		Key:      append([]int32(nil), key...),
		Slots:    append([]int(nil), slots...),
		Hash:     edgeHash(key),
	}
}

func edgeHash(tokens []int32) uint64 {
	h := xxhash.New()
	buf := make([]byte, 4)
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf, uint32(t))
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// isLeaf reports whether the node has no children.
func (n *Node) isLeaf() bool { return len(n.children) == 0 }

// evictable reports whether the node may be evicted right now.
func (n *Node) evictable() bool { return n.LockRef == 0 && n.isLeaf() }

// MatchedLen returns the total number of tokens cached on the path from the
// root to this node (the value the caller's matched-prefix length grows by
// when the match continues through this node).
func (n *Node) MatchedLen() int {
	total := 0
	for p := n; p != nil && p.parent != nil; p = p.parent {
		total += len(p.Key)
	}
	return total
}
