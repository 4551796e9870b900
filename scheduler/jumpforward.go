package scheduler

import (
	"github.com/sglang-go/scheduler-core/scheduler/grammar"
	"github.com/sglang-go/scheduler-core/scheduler/metrics"
)

// applyJumpForward implements spec.md §4.7: before a decode step, for each
// running request with a grammar, ask its matcher for a deterministic
// forced suffix. If one exists, tokenize it, roll the matcher back to the
// last token shared with the request's actual output, re-accept the new
// tokens, and surrender the request's running slot back to the waiting
// queue — the next admission pass re-prefills it with the forced tokens
// already resolved, so no forward pass is wasted on them.
//
// Returns the requests jumped this iteration, removed from s.runningBatch.
func (s *Scheduler) applyJumpForward(now int64) []*Req {
	if s.cfg.Runtime.DisableJumpForward || s.tokenize == nil {
		return nil
	}
	var jumped []*Req
	kept := s.runningBatch.Reqs[:0:0]
	for _, r := range s.runningBatch.Reqs {
		if r.Grammar == nil || r.Finished() {
			kept = append(kept, r)
			continue
		}
		forced := r.Grammar.FindJumpForwardString()
		if forced == "" {
			kept = append(kept, r)
			continue
		}
		s.jumpForwardOne(r, forced, now)
		jumped = append(jumped, r)
		metrics.JumpForwardEvents.Inc()
	}
	s.runningBatch.Reqs = kept
	return jumped
}

// jumpForwardOne rolls r's matcher back to the last token shared with its
// actual output, re-accepts forced's tokens, and returns r to the waiting
// queue with its slot released.
func (s *Scheduler) jumpForwardOne(r *Req, forced string, now int64) {
	forcedIDs := s.tokenize(forced)

	common := commonSuffixTokens(r.OutputIDs, forcedIDs)
	rollback := len(r.OutputIDs) - common
	if rollback > 0 {
		if rollback > grammar.MaxRollbackTokens {
			rollback = grammar.MaxRollbackTokens
		}
		r.Grammar.Rollback(rollback)
	}

	for _, t := range forcedIDs[common:] {
		if !r.Grammar.AcceptToken(t) {
			break
		}
	}

	r.OutputIDs = append(r.OutputIDs[:common:common], forcedIDs[common:]...)
	r.CompletionTokens = len(r.OutputIDs)
	// completion_tokens_wo_jump_forward is left unadvanced: these tokens
	// were resolved deterministically, not by a forward pass.

	s.releaseReq(r, now)
	r.State = StateWaiting
	r.IsInflightReq = 0
	s.waitingQueue = append(s.waitingQueue, r)
}

// commonSuffixTokens returns the length of the common prefix of a and b —
// the last token the matcher's rollback and the request's actual output
// still agree on.
func commonSuffixTokens(a, b []int32) int {
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
