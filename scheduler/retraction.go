package scheduler

import (
	"github.com/sglang-go/scheduler-core/scheduler/metrics"
	"github.com/sglang-go/scheduler-core/scheduler/radix"
)

// retract implements the decode retraction protocol (spec.md §4.6):
// triggered when the running batch cannot guarantee one more token per
// request. Victims are chosen newest-first until the freed memory would
// suffice; each victim's slots return to the pool and it re-enters the
// waiting queue truncated to a safe resume point.
//
// needed is the number of additional KV slots required (one per still-live
// running request, in the simplest case). available is the current free
// pool size (pool.AvailableSize() + cache.EvictableSize()). retract returns
// the victims, in the order they were retracted (newest first).
func (s *Scheduler) retract(needed, available int, now int64) []*Req {
	var victims []*Req
	running := s.runningBatch.Reqs
	for available < needed && len(running) > 0 {
		victim := running[len(running)-1]
		running = running[:len(running)-1]

		s.releaseReq(victim, now)
		victim.State = StateWaiting
		victim.ProgressIndex = 0
		victim.PrefillResumeOffset = 0
		foldGeneratedOutputIntoInput(victim)

		s.waitingQueue = append([]*Req{victim}, s.waitingQueue...)
		victims = append(victims, victim)
		available++
	}
	s.runningBatch.Reqs = running

	if len(victims) > 0 {
		s.raiseNewTokenRatio()
		metrics.RetractionEvents.Inc()
		metrics.RetractedRequests.Add(float64(len(victims)))
	}
	return victims
}

// foldGeneratedOutputIntoInput implements spec.md §4.6's "keep original
// input ids and accumulated output ids truncated to a safe resume point":
// the cache pin released above drops the KV state backing r.OutputIDs, so
// nothing retains those tokens' decode context. Folding them onto
// InputIDs is what makes them a safe resume point — the retried admission
// re-materializes them in one forward prefill pass instead of silently
// dropping already-generated content, and the remaining decode budget
// shrinks by exactly what was already produced so the total output length
// cap is still honored.
func foldGeneratedOutputIntoInput(r *Req) {
	produced := len(r.OutputIDs)
	if produced == 0 {
		return
	}
	r.InputIDs = append(append([]int32(nil), r.InputIDs...), r.OutputIDs...)
	r.OutputIDs = nil
	if r.Sampling.MaxNewTokens > 0 {
		r.Sampling.MaxNewTokens -= produced
		if r.Sampling.MaxNewTokens < 0 {
			r.Sampling.MaxNewTokens = 0
		}
	}
}

// releaseReq returns a request's owned KV slots and request-pool slot, and
// releases its cache pin without caching anything further. Used for
// requests discarded before a normal finish (retraction, abort).
func (s *Scheduler) releaseReq(r *Req, now int64) {
	if len(r.KVSlots) > 0 {
		s.kvPool.Free(r.KVSlots...)
		r.KVSlots = nil
	}
	if r.ReqPoolIdx >= 0 {
		s.reqPool.Free(r.ReqPoolIdx)
		r.ReqPoolIdx = -1
	}
	if n, ok := r.LastNode.(*radix.Node); ok {
		s.cache.Release(n, now)
	}
	r.LastNode = nil
	r.CachedSlots = nil
}

// raiseNewTokenRatio raises new_token_ratio toward 1.0 after a retraction,
// implementing the additive-increase side of the admission hysteresis
// (spec.md §4.6).
func (s *Scheduler) raiseNewTokenRatio() {
	s.newTokenRatio += (1.0 - s.newTokenRatio) * retractionRaiseFraction
	if s.newTokenRatio > 1.0 {
		s.newTokenRatio = 1.0
	}
}

// decayNewTokenRatio decays new_token_ratio after every successful decode
// step, down to min_new_token_ratio, by subtracting NewTokenRatioDecay each
// time (a linear decrease).
func (s *Scheduler) decayNewTokenRatio() {
	min := s.cfg.Retraction.MinNewTokenRatio()
	s.newTokenRatio -= s.cfg.Retraction.NewTokenRatioDecay
	if s.newTokenRatio < min {
		s.newTokenRatio = min
	}
}

// retractionRaiseFraction is how far toward 1.0 a single retraction event
// pushes new_token_ratio. spec.md §4.6 names the direction ("raise toward
// 1.0") but not a fraction; this value gives one retraction a visible,
// bounded effect without ever overshooting.
const retractionRaiseFraction = 0.1
