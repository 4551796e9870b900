package grammar

import "math"

// MaxRollbackTokens bounds how far a Matcher can unwind (spec.md §3).
const MaxRollbackTokens = 10

// Matcher is a value-typed cursor over a compiled grammar, cloned per
// request from a shared CompiledGrammar (spec.md §3 "Grammar Matcher").
// Rollback is implemented by retaining a bounded ring of prior states,
// snapshotted before each accepted token, since MatcherState.AcceptToken
// mutates in place.
type Matcher struct {
	key         string // grammar kind + spec identity, used as the jump-forward cache's grammar key
	state       MatcherState
	snapshots   []MatcherState // snapshots[i] is the state immediately before accepting history[i]
	history     []int32
	jumpForward *JumpForwardCache
}

func newMatcher(state MatcherState, key string, jf *JumpForwardCache) *Matcher {
	return &Matcher{key: key, state: state, jumpForward: jf}
}

// AcceptToken advances the matcher by tokenID, returning false if the token
// is not legal in the current state (the matcher is left unchanged on
// rejection).
func (m *Matcher) AcceptToken(tokenID int32) bool {
	snapshot := m.state.Clone()
	if !m.state.AcceptToken(tokenID) {
		return false
	}
	m.snapshots = append(m.snapshots, snapshot)
	m.history = append(m.history, tokenID)
	if len(m.history) > MaxRollbackTokens {
		m.snapshots = m.snapshots[1:]
		m.history = m.history[1:]
	}
	return true
}

// Rollback undoes the last k accepted tokens, restoring the matcher to the
// state it was in before they were accepted. k must not exceed the number
// of tokens still in history (at most MaxRollbackTokens); Rollback reports
// false and leaves the matcher unchanged if it does.
func (m *Matcher) Rollback(k int) bool {
	if k < 0 || k > len(m.history) {
		return false
	}
	if k == 0 {
		return true
	}
	idx := len(m.history) - k
	m.state = m.snapshots[idx]
	m.history = m.history[:idx]
	m.snapshots = m.snapshots[:idx]
	return true
}

// FindJumpForwardString peeks the deterministic suffix the grammar forces
// from the current state, consulting the shared JumpForwardCache first.
func (m *Matcher) FindJumpForwardString() string {
	digest := stateDigest(m.history)
	if s, ok := m.jumpForward.Lookup(m.key, digest); ok {
		return s
	}
	s := m.state.FindJumpForwardString()
	m.jumpForward.Store(m.key, digest, s)
	return s
}

// FillNextTokenBitmask delegates to the backend to mark which vocabulary
// entries are legal next tokens.
func (m *Matcher) FillNextTokenBitmask(mask []uint32) {
	m.state.FillNextTokenBitmask(mask)
}

// ApplyTokenBitmaskInPlace masks illegal tokens to -Inf so the sampler never
// selects them. mask holds one bit per vocabulary token, 32 per word; bit
// set means legal.
func ApplyTokenBitmaskInPlace(logits []float32, mask []uint32) {
	for i := range logits {
		word := mask[i/32]
		bit := uint32(1) << uint(i%32)
		if word&bit == 0 {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// Clone returns an independent copy of the matcher, for speculative use
// (e.g. the overlap worker's future-token placeholder path) that must not
// disturb the request's live matcher.
func (m *Matcher) Clone() *Matcher {
	snaps := make([]MatcherState, len(m.snapshots))
	for i, s := range m.snapshots {
		snaps[i] = s.Clone()
	}
	return &Matcher{
		key:         m.key,
		state:       m.state.Clone(),
		snapshots:   snaps,
		history:     append([]int32(nil), m.history...),
		jumpForward: m.jumpForward,
	}
}

func stateDigest(history []int32) string {
	buf := make([]byte, 0, len(history)*5)
	for _, t := range history {
		buf = append(buf, byte(t), byte(t>>8), byte(t>>16), byte(t>>24), '|')
	}
	return string(buf)
}
