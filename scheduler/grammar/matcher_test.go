package grammar

import (
	"math"
	"testing"
)

// fakeState is a minimal MatcherState for exercising Matcher in isolation,
// without a real grammar backend.
type fakeState struct {
	accepted []int32
	reject   map[int32]bool
	forced   string
}

func (s *fakeState) AcceptToken(t int32) bool {
	if s.reject[t] {
		return false
	}
	s.accepted = append(s.accepted, t)
	return true
}

func (s *fakeState) Clone() MatcherState {
	return &fakeState{
		accepted: append([]int32(nil), s.accepted...),
		reject:   s.reject,
		forced:   s.forced,
	}
}

func (s *fakeState) FindJumpForwardString() string { return s.forced }

func (s *fakeState) FillNextTokenBitmask(mask []uint32) {
	for i := range mask {
		mask[i] = 0
	}
	if len(mask) > 0 {
		mask[0] = 1
	}
}

func TestMatcher_AcceptToken_AdvancesHistory(t *testing.T) {
	m := newMatcher(&fakeState{}, "k", NewJumpForwardCache())

	if !m.AcceptToken(1) || !m.AcceptToken(2) {
		t.Fatal("AcceptToken: expected both tokens accepted")
	}
	if len(m.history) != 2 || m.history[0] != 1 || m.history[1] != 2 {
		t.Errorf("history: got %v, want [1 2]", m.history)
	}
}

func TestMatcher_AcceptToken_RejectedTokenLeavesStateUnchanged(t *testing.T) {
	m := newMatcher(&fakeState{reject: map[int32]bool{9: true}}, "k", NewJumpForwardCache())
	m.AcceptToken(1)

	ok := m.AcceptToken(9)

	if ok {
		t.Error("AcceptToken(9): got true, want false (rejected)")
	}
	if len(m.history) != 1 {
		t.Errorf("history after rejection: got %v, want [1]", m.history)
	}
}

func TestMatcher_Rollback_RestoresPriorState(t *testing.T) {
	m := newMatcher(&fakeState{}, "k", NewJumpForwardCache())
	m.AcceptToken(1)
	m.AcceptToken(2)
	m.AcceptToken(3)

	if ok := m.Rollback(2); !ok {
		t.Fatal("Rollback(2) failed")
	}
	if len(m.history) != 1 || m.history[0] != 1 {
		t.Errorf("history after Rollback(2): got %v, want [1]", m.history)
	}
	state := m.state.(*fakeState)
	if len(state.accepted) != 1 || state.accepted[0] != 1 {
		t.Errorf("underlying state after Rollback(2): got %v, want [1]", state.accepted)
	}
}

func TestMatcher_Rollback_MoreThanHistory_Fails(t *testing.T) {
	m := newMatcher(&fakeState{}, "k", NewJumpForwardCache())
	m.AcceptToken(1)

	if ok := m.Rollback(5); ok {
		t.Error("Rollback(5) on 1-token history: got true, want false")
	}
}

func TestMatcher_AcceptToken_CapsHistoryAtMaxRollback(t *testing.T) {
	m := newMatcher(&fakeState{}, "k", NewJumpForwardCache())
	for i := int32(0); i < MaxRollbackTokens+5; i++ {
		m.AcceptToken(i)
	}
	if len(m.history) != MaxRollbackTokens {
		t.Errorf("history length: got %d, want %d (bounded)", len(m.history), MaxRollbackTokens)
	}
}

func TestMatcher_FindJumpForwardString_CachesByDigest(t *testing.T) {
	jf := NewJumpForwardCache()
	m := newMatcher(&fakeState{forced: "hello"}, "grammar-key", jf)
	m.AcceptToken(1)

	got := m.FindJumpForwardString()
	if got != "hello" {
		t.Fatalf("FindJumpForwardString: got %q, want %q", got, "hello")
	}

	// The cache should now hold the computed value under the same digest,
	// independent of what the backend would return if asked again.
	digest := stateDigest(m.history)
	cached, ok := jf.Lookup("grammar-key", digest)
	if !ok || cached != "hello" {
		t.Errorf("JumpForwardCache after lookup: got (%q, %v), want (\"hello\", true)", cached, ok)
	}
}

func TestMatcher_Clone_IsIndependent(t *testing.T) {
	m := newMatcher(&fakeState{}, "k", NewJumpForwardCache())
	m.AcceptToken(1)

	clone := m.Clone()
	clone.AcceptToken(2)

	if len(m.history) != 1 {
		t.Errorf("original matcher mutated by clone's AcceptToken: history=%v", m.history)
	}
	if len(clone.history) != 2 {
		t.Errorf("clone history: got %v, want length 2", clone.history)
	}
}

func TestApplyTokenBitmaskInPlace_MasksIllegalTokens(t *testing.T) {
	logits := []float32{1, 2, 3, 4}
	// bit 0 and bit 2 legal, bit 1 and bit 3 illegal
	mask := []uint32{0b0101}

	ApplyTokenBitmaskInPlace(logits, mask)

	if logits[0] != 1 || logits[2] != 3 {
		t.Errorf("legal tokens altered: got %v", logits)
	}
	if !math.IsInf(float64(logits[1]), -1) || !math.IsInf(float64(logits[3]), -1) {
		t.Errorf("illegal tokens not masked to -Inf: got %v", logits)
	}
}
