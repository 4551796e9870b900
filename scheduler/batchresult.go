package scheduler

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/sglang-go/scheduler-core/scheduler/metrics"
	"github.com/sglang-go/scheduler-core/scheduler/radix"
)

// updateRunningBatch advances the decode step for s.runningBatch (spec.md
// §4.5/§4.6): it first guarantees one more KV slot per live request, calling
// retract if memory is short, applies any pending jump-forward rewrites, and
// then allocates this iteration's decode slot for every request still
// running.
func (s *Scheduler) updateRunningBatch(now int64) {
	if s.runningBatch.IsEmpty() {
		s.runningBatch = nil
		return
	}
	s.runningBatch.ForwardMode = ForwardDecode

	needed := len(s.runningBatch.Reqs)
	available := s.kvPool.AvailableSize() + s.cache.EvictableSize()
	if available < needed {
		if n := needed - available; n > 0 {
			s.cache.Evict(n)
		}
		available = s.kvPool.AvailableSize() + s.cache.EvictableSize()
	}
	if available < needed {
		victims := s.retract(needed, available, now)
		if len(victims) > 0 {
			s.log.WithField("count", len(victims)).Info("retracted requests to free memory")
		}
	} else {
		s.decayNewTokenRatio()
	}
	if len(s.runningBatch.Reqs) == 0 {
		s.runningBatch = nil
		return
	}

	s.applyJumpForward(now)
	if len(s.runningBatch.Reqs) == 0 {
		s.runningBatch = nil
		return
	}

	for _, r := range s.runningBatch.Reqs {
		slots, ok := s.kvPool.Alloc(1)
		if !ok {
			continue // checkMemory will flag the resulting shortfall
		}
		r.KVSlots = append(r.KVSlots, slots...)
	}
}

// runBatch hands a prefill/mixed/embedding batch to the worker, routing
// generation batches through the overlap shim when enabled (spec.md §4.8).
// Pipelined decode batches never reach here: Run submits and resolves those
// itself so it can interleave submitting batch N+1 with resolving batch N.
func (s *Scheduler) runBatch(ctx context.Context, batch *ScheduleBatch) (any, error) {
	if len(batch.Reqs) > 0 && batch.Reqs[0].IsEmbedding {
		out, err := s.worker.ForwardBatchEmbedding(ctx, batch)
		return out, err
	}
	if s.overlap != nil {
		s.batchCounter++
		launchDone := s.overlap.Submit(s.batchCounter, batch)
		<-launchDone
		out, err := s.overlap.ResolveBatchResult()
		return out, err
	}
	out, err := s.worker.ForwardBatchGeneration(ctx, batch)
	return out, err
}

// processBatchResult dispatches a completed forward pass's result by the
// batch's forward mode (spec.md §4.5 step 5).
func (s *Scheduler) processBatchResult(batch *ScheduleBatch, result any, now int64) {
	switch out := result.(type) {
	case ForwardEmbeddingOutput:
		s.processBatchResultEmbedding(batch, out)
	case ForwardGenerationOutput:
		if batch.ForwardMode.IsDecode() {
			s.processBatchResultDecode(batch, out, now)
		} else {
			s.processBatchResultPrefill(batch, out, now)
		}
	}
}

// sliceFrom returns s[n:], or nil if n is past the end.
func sliceFrom(s []int32, n int) []int32 {
	if n >= len(s) {
		return nil
	}
	return s[n:]
}

// cacheTokensAndSlots returns the full token sequence and backing slot list
// a finished/partially-finished request should hand to the cache: the
// already-matched prefix plus everything prefilled/decoded since.
func cacheTokensAndSlots(r *Req) ([]int32, []int) {
	tokens := make([]int32, 0, len(r.InputIDs)+len(r.OutputIDs))
	tokens = append(tokens, r.InputIDs...)
	tokens = append(tokens, r.OutputIDs...)
	slots := make([]int, 0, len(r.CachedSlots)+len(r.KVSlots))
	slots = append(slots, r.CachedSlots...)
	slots = append(slots, r.KVSlots...)
	return tokens, slots
}

// finishReq transfers a finished request's tokens into the cache and frees
// its request-pool slot. KV slot ownership passes to the cache; they are not
// separately freed here.
func (s *Scheduler) finishReq(r *Req, now int64) {
	tokens, slots := cacheTokensAndSlots(r)
	node, _ := r.LastNode.(*radix.Node)
	s.cache.CacheFinishedReq(tokens, slots, node, now)
	if r.ReqPoolIdx >= 0 {
		s.reqPool.Free(r.ReqPoolIdx)
		r.ReqPoolIdx = -1
	}
	r.KVSlots = nil
	r.LastNode = nil
	r.State = StateFinished
}

// processBatchResultPrefill consumes one extend/mixed forward pass's output:
// requests whose prefill offset reached the end of their input receive their
// first decode token and either finish or join the running batch; requests
// still mid-chunk simply advance their resume offset and stay inflight.
func (s *Scheduler) processBatchResultPrefill(batch *ScheduleBatch, out ForwardGenerationOutput, now int64) {
	var joinedRunning []*Req
	for i, r := range batch.Reqs {
		off := batch.Offsets[r.RID]
		r.ProgressIndex = off.End

		if off.End < len(r.InputIDs) {
			r.PrefillResumeOffset = off.End
			continue
		}

		token := out.NextTokenIDs[i]
		r.OutputIDs = append(r.OutputIDs, token)
		r.CompletionTokens++
		r.CompletionTokensWoJumpForward++
		if r.Grammar != nil {
			r.Grammar.AcceptToken(token)
		}
		if i < len(out.InputTokenLogprobs) {
			r.InputTokenLogprobs = out.InputTokenLogprobs[i]
		}
		if i < len(out.OutputTokenLogprobs) {
			r.OutputTokenLogprobs = append(r.OutputTokenLogprobs, out.OutputTokenLogprobs[i]...)
		}
		r.CheckFinished(s.eosTokenIDs, s.detokenize)

		if r.Finished() {
			s.finishReq(r, now)
			continue
		}

		node, _ := r.LastNode.(*radix.Node)
		tokens, slots := cacheTokensAndSlots(r)
		r.LastNode = s.cache.CacheUnfinishedReq(tokens, slots, node, now)
		r.CachedSlots = append(r.CachedSlots, r.KVSlots...)
		r.KVSlots = nil
		r.State = StateRunning
		r.IsInflightReq = 0
		joinedRunning = append(joinedRunning, r)
	}

	if batch.ForwardMode.IsMixed() {
		decodeBatch := &ScheduleBatch{Reqs: batch.DecodingReqs, ForwardMode: ForwardDecode}
		// The chunked-prefill request's token landed at out.NextTokenIDs[0]
		// in the shared call below; decoding requests occupy the remaining
		// slots, offset by however many prefill requests preceded them in
		// the worker's batch order.
		offset := len(batch.Reqs)
		decodeOut := ForwardGenerationOutput{NextTokenIDs: sliceFrom(out.NextTokenIDs, offset)}
		if len(out.OutputTokenLogprobs) > offset {
			decodeOut.OutputTokenLogprobs = out.OutputTokenLogprobs[offset:]
		}
		s.processBatchResultDecode(decodeBatch, decodeOut, now)
		joinedRunning = append(joinedRunning, decodeBatch.Reqs...)
	}

	if len(joinedRunning) > 0 {
		if s.runningBatch == nil {
			s.runningBatch = NewBatch(ForwardDecode)
		}
		s.runningBatch.Reqs = append(s.runningBatch.Reqs, joinedRunning...)
	}
	// batch.Reqs is left as-is: surviving non-embedding requests have
	// already been reattached to s.runningBatch above, and when this batch
	// becomes s.lastBatch, get_next_batch_to_run's merge skips its finished
	// and inflight requests and those already in s.runningBatch.
	s.streamOutput(batch.Reqs, now)
}

// processBatchResultDecode consumes one decode forward pass's output: each
// request receives its single generated token, checked for termination.
func (s *Scheduler) processBatchResultDecode(batch *ScheduleBatch, out ForwardGenerationOutput, now int64) {
	kept := batch.Reqs[:0:0]
	var streamed []*Req
	for i, r := range batch.Reqs {
		if r.Finished() {
			// Resolved as finished by an earlier decode batch while this
			// batch's (already-submitted, under the overlap shim) extra step
			// for it was still in flight; the extra token it produced is
			// discarded.
			continue
		}
		if i >= len(out.NextTokenIDs) {
			kept = append(kept, r)
			streamed = append(streamed, r)
			continue
		}
		token := out.NextTokenIDs[i]
		r.OutputIDs = append(r.OutputIDs, token)
		r.CompletionTokens++
		r.CompletionTokensWoJumpForward++
		if r.Grammar != nil {
			r.Grammar.AcceptToken(token)
		}
		if i < len(out.OutputTokenLogprobs) {
			r.OutputTokenLogprobs = append(r.OutputTokenLogprobs, out.OutputTokenLogprobs[i]...)
		}
		r.CheckFinished(s.eosTokenIDs, s.detokenize)
		streamed = append(streamed, r)

		if r.Finished() {
			s.finishReq(r, now)
			continue
		}
		kept = append(kept, r)
	}
	batch.Reqs = kept
	if s.runningBatch != nil && s.runningBatch != batch {
		s.runningBatch.Reqs = kept
	}

	s.decodeForwardCt++
	s.numGeneratedTokens += len(out.NextTokenIDs)
	metrics.DecodeSteps.Inc()
	metrics.GeneratedTokens.Add(float64(len(out.NextTokenIDs)))
	s.streamOutput(streamed, now)
	s.printDecodeStats()
}

// processBatchResultEmbedding finishes every request in an embedding batch:
// embeddings are one-shot, there is no decode phase.
func (s *Scheduler) processBatchResultEmbedding(batch *ScheduleBatch, out ForwardEmbeddingOutput) {
	metas := make([]MetaInfo, 0, len(batch.Reqs))
	rids := make([]string, 0, len(batch.Reqs))
	finishes := make([]*FinishReason, 0, len(batch.Reqs))
	for i, r := range batch.Reqs {
		r.Finish(FinishLength)
		if r.ReqPoolIdx >= 0 {
			s.reqPool.Free(r.ReqPoolIdx)
			r.ReqPoolIdx = -1
		}
		if len(r.KVSlots) > 0 {
			s.kvPool.Free(r.KVSlots...)
			r.KVSlots = nil
		}
		_ = i
		metas = append(metas, MetaInfo{PromptTokens: len(r.InputIDs), FinishReason: r.FinishedReason})
		rids = append(rids, r.RID)
		finishes = append(finishes, r.FinishedReason)
	}
	s.send(BatchEmbeddingOut{RIDs: rids, Embeddings: out.Embeddings, MetaInfo: metas, FinishedReason: finishes})
}

// streamOutput emits a BatchTokenIDOut for every request that crossed the
// stream_interval cadence or just finished (spec.md §6).
func (s *Scheduler) streamOutput(reqs []*Req, now int64) {
	_ = now
	interval := s.cfg.Runtime.StreamInterval
	if interval <= 0 {
		interval = 1
	}
	var out BatchTokenIDOut
	for _, r := range reqs {
		if !r.Stream {
			continue
		}
		produced := len(r.OutputIDs) - r.LastStreamedLen
		if produced < interval && !r.Finished() {
			continue
		}
		out.RIDs = append(out.RIDs, r.RID)
		out.ReadIDs = append(out.ReadIDs, append([]int32(nil), r.OutputIDs[r.LastStreamedLen:]...))
		out.ReadOffsets = append(out.ReadOffsets, r.LastStreamedLen)
		out.SkipSpecialTokens = append(out.SkipSpecialTokens, r.Sampling.SkipSpecialTokens)
		out.SpacesBetweenSpecialTokens = append(out.SpacesBetweenSpecialTokens, r.Sampling.SpacesBetweenSpecialToken)
		out.NoStopTrim = append(out.NoStopTrim, r.Sampling.NoStopTrim)
		out.MetaInfo = append(out.MetaInfo, MetaInfo{
			PromptTokens:                  len(r.InputIDs),
			CompletionTokens:              r.CompletionTokens,
			CompletionTokensWoJumpForward: r.CompletionTokensWoJumpForward,
			FinishReason:                  r.FinishedReason,
			InputTokenLogprobs:            r.InputTokenLogprobs,
			OutputTokenLogprobs:           r.OutputTokenLogprobs,
		})
		out.FinishedReason = append(out.FinishedReason, r.FinishedReason)
		r.LastStreamedLen = len(r.OutputIDs)
	}
	if len(out.RIDs) > 0 {
		s.send(out)
	}
}

// printDecodeStats logs a throughput summary every 40 decode iterations,
// mirroring the teacher's periodic stats cadence.
func (s *Scheduler) printDecodeStats() {
	used := s.kvPool.Capacity() - (s.kvPool.AvailableSize() + s.cache.EvictableSize())
	metrics.RunningRequests.Set(float64(s.runningBatch.BatchSize()))
	metrics.WaitingRequests.Set(float64(len(s.waitingQueue)))
	metrics.TokenPoolUsage.Set(float64(used) / float64(s.kvPool.Capacity()))
	metrics.NewTokenRatio.Set(s.newTokenRatio)

	if s.decodeForwardCt%40 != 0 {
		return
	}
	s.log.WithFields(logrus.Fields{
		"running_req":     s.runningBatch.BatchSize(),
		"queue_req":       len(s.waitingQueue),
		"gen_throughput":  s.numGeneratedTokens,
		"token_usage":     float64(used) / float64(s.kvPool.Capacity()),
		"new_token_ratio": s.newTokenRatio,
	}).Info("decode stats")
}
