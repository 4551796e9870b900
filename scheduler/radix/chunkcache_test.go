package radix

import (
	"testing"

	"github.com/sglang-go/scheduler-core/scheduler/pool"
)

func TestChunkCache_MatchPrefix_NeverSharesAcrossRequests(t *testing.T) {
	// GIVEN a chunk cache with one request's tokens fully cached
	c := NewChunkCache(pool.NewKVPool(16))
	tokensA := []int32{1, 2, 3}
	_, nA := c.MatchPrefix(tokensA, 0)
	c.CacheFinishedReq(tokensA, []int{0, 1, 2}, nA, 0)

	// WHEN a second request with an identical prefix matches
	matched, node := c.MatchPrefix(tokensA, 1)

	// THEN nothing is reported as matched, and a fresh pinned node is returned
	if len(matched) != 0 {
		t.Errorf("MatchPrefix: got %d matched, want 0 (no sharing)", len(matched))
	}
	if node == nA {
		t.Error("MatchPrefix returned the same node as a prior finished request")
	}
	if node.LockRef != 1 {
		t.Errorf("fresh node LockRef: got %d, want 1 (pinned on creation)", node.LockRef)
	}
}

func TestChunkCache_CacheFinishedReq_MakesNodeEvictable(t *testing.T) {
	c := NewChunkCache(pool.NewKVPool(16))
	tokens := []int32{4, 5, 6}
	_, n := c.MatchPrefix(tokens, 0)

	c.CacheFinishedReq(tokens, []int{0, 1, 2}, n, 2)

	if c.EvictableSize() != 3 {
		t.Errorf("EvictableSize after finish: got %d, want 3", c.EvictableSize())
	}
	if n.LockRef != 0 {
		t.Errorf("node LockRef after finish: got %d, want 0", n.LockRef)
	}
}

func TestChunkCache_Evict_ReclaimsSlots(t *testing.T) {
	c := NewChunkCache(pool.NewKVPool(16))

	_, n1 := c.MatchPrefix([]int32{1}, 0)
	c.CacheFinishedReq([]int32{1}, []int{0}, n1, 1)
	_, n2 := c.MatchPrefix([]int32{2}, 0)
	c.CacheFinishedReq([]int32{2}, []int{1}, n2, 2)

	freed := c.Evict(1)
	if freed != 1 {
		t.Fatalf("Evict(1): freed %d, want 1", freed)
	}
	if c.EvictableSize() != 1 {
		t.Errorf("EvictableSize after Evict: got %d, want 1", c.EvictableSize())
	}
}

func TestChunkCache_Reset_ForbiddenWhilePinned(t *testing.T) {
	c := NewChunkCache(pool.NewKVPool(16))
	tokens := []int32{1, 2}
	_, n := c.MatchPrefix(tokens, 0)
	c.CacheUnfinishedReq(tokens, []int{0, 1}, n, 0)

	if err := c.Reset(); err != ErrCacheInUse {
		t.Errorf("Reset while pinned: got err=%v, want ErrCacheInUse", err)
	}
}

func TestChunkCache_Reset_ClearsActiveNodes(t *testing.T) {
	c := NewChunkCache(pool.NewKVPool(16))
	tokens := []int32{1, 2}
	_, n := c.MatchPrefix(tokens, 0)
	c.CacheFinishedReq(tokens, []int{0, 1}, n, 0)

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: got err=%v, want nil", err)
	}
	if c.EvictableSize() != 0 {
		t.Errorf("EvictableSize after Reset: got %d, want 0", c.EvictableSize())
	}
	if len(c.active) != 0 {
		t.Errorf("active set after Reset: got %d entries, want 0", len(c.active))
	}
}

func TestChunkCache_Release_UnpinsWithoutCaching(t *testing.T) {
	// GIVEN a node still pinned via MatchPrefix, never cached
	c := NewChunkCache(pool.NewKVPool(16))
	_, n := c.MatchPrefix([]int32{1, 2}, 0)

	// WHEN Release is called (e.g. a retracted request)
	c.Release(n, 5)

	// THEN the node becomes evictable even though it holds no slots
	if n.LockRef != 0 {
		t.Errorf("LockRef after Release: got %d, want 0", n.LockRef)
	}
	if c.EvictableSize() != 0 {
		t.Errorf("EvictableSize after Release of empty node: got %d, want 0", c.EvictableSize())
	}
}
