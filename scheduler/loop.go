package scheduler

import (
	"context"

	"github.com/sglang-go/scheduler-core/scheduler/admission"
	"github.com/sglang-go/scheduler-core/scheduler/metrics"
	"github.com/sglang-go/scheduler-core/scheduler/policy"
	"github.com/sglang-go/scheduler-core/scheduler/radix"
)

// pendingOverlapBatch is a decode batch that has been submitted to the
// overlap worker but not yet resolved: Run keeps at most one of these in
// flight, which is what lets it build and submit the next decode batch
// before this one's tokens have reached the host (spec.md §4.8).
type pendingOverlapBatch struct {
	batch           *ScheduleBatch
	now             int64
	outPlaceholders []int32
}

// Run drives the single-threaded cooperative loop (spec.md §4.5/§5) until
// ctx is canceled or a fatal invariant violation occurs. When an overlap
// worker is configured, consecutive decode batches are pipelined one deep:
// batch N+1 is submitted right after batch N launches, and batch N's result
// is only resolved once N+1 is already on its way to the worker.
func (s *Scheduler) Run(ctx context.Context) error {
	var pending *pendingOverlapBatch
	if s.overlap != nil {
		s.overlap.Start(ctx)
		defer s.overlap.Stop()
	}
	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				if err := s.resolveOverlapBatch(pending); err != nil {
					return err
				}
			}
			return nil
		default:
		}

		msgs := s.recvRequests()
		if err := s.processInputRequests(ctx, msgs); err != nil {
			return err
		}

		now := s.clock()
		batch := s.getNextBatchToRun(now)

		if s.overlap != nil && batch != nil && batch.ForwardMode.IsDecode() {
			batch.DecodeInputIDs = decodeStepInputIDs(batch, pending)
			batch.OutputPlaceholders = s.overlap.AllocateFutureIDs(len(batch.Reqs))
			s.batchCounter++
			launchDone := s.overlap.Submit(s.batchCounter, batch)
			<-launchDone
			if pending != nil {
				if err := s.resolveOverlapBatch(pending); err != nil {
					return err
				}
			}
			pending = &pendingOverlapBatch{batch: batch, now: now, outPlaceholders: batch.OutputPlaceholders}
			s.lastBatch = batch
			continue
		}

		if pending != nil {
			if err := s.resolveOverlapBatch(pending); err != nil {
				return err
			}
			pending = nil
		}

		if batch != nil {
			result, err := s.runBatch(ctx, batch)
			if err != nil {
				return err
			}
			s.processBatchResult(batch, result, now)
		} else {
			if err := s.checkMemory(); err != nil {
				return err
			}
			s.newTokenRatio = s.cfg.Retraction.InitNewTokenRatio
		}
		s.lastBatch = batch
	}
}

// resolveOverlapBatch blocks for a pending decode batch's result and applies
// it exactly like a synchronously-run decode batch would be.
func (s *Scheduler) resolveOverlapBatch(p *pendingOverlapBatch) error {
	out, err := s.overlap.ResolveBatchResult()
	if err != nil {
		return err
	}
	s.processBatchResultDecode(p.batch, out, p.now)
	return nil
}

// decodeStepInputIDs builds the per-request input token for a decode batch
// submitted under the overlap shim. A request carried over from the still
// unresolved pending batch gets that batch's reserved output placeholder
// (its real value isn't known on the host yet); every other request already
// has a real last token to feed forward.
func decodeStepInputIDs(batch *ScheduleBatch, pending *pendingOverlapBatch) []int32 {
	ids := make([]int32, len(batch.Reqs))
	var fromPending map[string]int32
	if pending != nil {
		fromPending = make(map[string]int32, len(pending.batch.Reqs))
		for i, r := range pending.batch.Reqs {
			fromPending[r.RID] = pending.outPlaceholders[i]
		}
	}
	for i, r := range batch.Reqs {
		if placeholder, ok := fromPending[r.RID]; ok {
			ids[i] = placeholder
			continue
		}
		switch {
		case len(r.OutputIDs) > 0:
			ids[i] = r.OutputIDs[len(r.OutputIDs)-1]
		case len(r.InputIDs) > 0:
			ids[i] = r.InputIDs[len(r.InputIDs)-1]
		}
	}
	return ids
}

// recvRequests drains the inbound channel without blocking (spec.md §4.5
// step 1, "rank 0 drains the inbound channel non-blockingly").
func (s *Scheduler) recvRequests() []InboundMessage {
	var msgs []InboundMessage
	for {
		select {
		case m, ok := <-s.inbound:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

// processInputRequests dispatches each drained message by concrete type.
func (s *Scheduler) processInputRequests(ctx context.Context, msgs []InboundMessage) error {
	for _, m := range msgs {
		switch req := m.(type) {
		case TokenizedGenerateReqInput:
			s.handleGenerateRequest(req)
		case TokenizedEmbeddingReqInput:
			s.handleEmbeddingRequest(req.RID, req.InputIDs, req.SamplingParams)
		case TokenizedRewardReqInput:
			s.handleEmbeddingRequest(req.RID, req.InputIDs, req.SamplingParams)
		case FlushCacheReq:
			_ = s.flushCache()
		case AbortReq:
			s.abortRequest(req.RID)
		case UpdateWeightReqInput:
			ok, message, err := s.worker.UpdateWeights(ctx, req.Payload)
			if err != nil {
				s.log.WithError(err).Warn("update_weights failed")
			}
			s.send(UpdateWeightReqOutput{Success: ok, Message: message})
		case ProfileReq:
			// Profiler mechanics are an external collaborator; this is a
			// no-op hook so the message kind is still handled explicitly.
		}
	}
	return nil
}

func (s *Scheduler) send(v any) {
	if s.outbound == nil {
		return
	}
	s.outbound <- v
}

// getNextBatchToRun implements get_next_batch_to_run: merge the previous
// prefill batch into the running batch, then prefer prefill, falling back
// to decode (spec.md §4.5).
func (s *Scheduler) getNextBatchToRun(now int64) *ScheduleBatch {
	if s.lastBatch != nil && !s.lastBatch.ForwardMode.IsDecode() && !s.lastBatch.IsEmpty() {
		if s.currentInflightReq != nil {
			s.mergeInflight(now)
		}
		running := map[*Req]bool{}
		if s.runningBatch != nil {
			for _, r := range s.runningBatch.Reqs {
				running[r] = true
			}
		}
		for _, r := range s.lastBatch.Reqs {
			if r.Finished() || r.IsInflightReq > 0 || running[r] {
				continue
			}
			if s.runningBatch == nil {
				s.runningBatch = NewBatch(ForwardDecode)
			}
			s.runningBatch.Reqs = append(s.runningBatch.Reqs, r)
		}
	}

	if newBatch := s.getNewBatchPrefill(now); newBatch != nil {
		return newBatch
	}

	if s.runningBatch == nil {
		return nil
	}

	beforeBS := s.runningBatch.BatchSize()
	s.updateRunningBatch(now)
	if s.runningBatch == nil {
		s.batchIsFull = false
		return nil
	}
	if beforeBS != s.runningBatch.BatchSize() {
		s.batchIsFull = false
	}
	return s.runningBatch
}

// mergeInflight finishes admitting the in-progress chunked request once its
// last_batch slice lands: caches what it has prefilled so far and frees its
// interim req-pool slot (a fresh one is assigned on its next admission).
func (s *Scheduler) mergeInflight(now int64) {
	req := s.currentInflightReq
	tokens := req.InputIDs[:req.PrefillResumeOffset]
	slots := append(append([]int(nil), req.CachedSlots...), req.KVSlots...)
	if n, ok := req.LastNode.(*radix.Node); ok {
		req.LastNode = s.cache.CacheUnfinishedReq(tokens, slots, n, now)
	}
	req.CachedSlots = slots
	req.KVSlots = nil
	if req.ReqPoolIdx >= 0 {
		s.reqPool.Free(req.ReqPoolIdx)
		req.ReqPoolIdx = -1
	}
	s.batchIsFull = false
}

// getNewBatchPrefill implements get_new_batch_prefill (spec.md §4.4/§4.5):
// orders the waiting queue, then greedily admits candidates via a
// PrefillAdder subject to token/memory/LoRA/request-count constraints.
func (s *Scheduler) getNewBatchPrefill(now int64) *ScheduleBatch {
	if (s.batchIsFull || len(s.waitingQueue) == 0) && s.currentInflightReq == nil {
		return nil
	}

	runningBS := 0
	if s.runningBatch != nil {
		runningBS = s.runningBatch.BatchSize()
	}
	if runningBS >= int(s.cfg.Batch.MaxRunningRequests) {
		s.batchIsFull = true
		return nil
	}

	entries := make([]policy.Entry, len(s.waitingQueue))
	for i, r := range s.waitingQueue {
		entries[i] = policy.Entry{
			Ref:                   r,
			ID:                    r.RID,
			ArrivalTime:           r.ArrivalTime,
			MatchedPrefixLen:      s.ensureMatched(r, now),
			EffectiveMaxNewTokens: r.Sampling.EffectiveMaxNewTokens(),
		}
	}
	s.policy.OrderQueue(entries)

	mixedNumRunning := 0
	if s.cfg.Batch.IsMixedChunk {
		mixedNumRunning = runningBS
	}
	adder := admission.New(s.log, s.newTokenRatio,
		s.kvPool.AvailableSize()+s.cache.EvictableSize(),
		int(s.cfg.Batch.MaxPrefillTokens), int(s.cfg.Batch.ChunkedPrefillSize), mixedNumRunning)

	if s.currentInflightReq != nil {
		remaining := adder.AddInflightReq(admission.Candidate{
			Ref:                   s.currentInflightReq,
			ID:                    s.currentInflightReq.RID,
			InputLen:              len(s.currentInflightReq.InputIDs),
			MatchedPrefixLen:      s.currentInflightReq.PrefillResumeOffset,
			ResumeOffset:          s.currentInflightReq.PrefillResumeOffset,
			EffectiveMaxNewTokens: s.currentInflightReq.Sampling.EffectiveMaxNewTokens(),
		})
		s.currentInflightReq = candidateRef(remaining)
	}

	loraSet := map[string]struct{}{}
	if s.runningBatch != nil {
		for _, r := range s.runningBatch.Reqs {
			loraSet[r.LoraPath] = struct{}{}
		}
	}

	admittedIDs := map[string]struct{}{}
	for _, entry := range entries {
		r := entry.Ref.(*Req)

		if s.cfg.Batch.MaxLorasPerBatch > 0 && loraExceeds(loraSet, adder.CanRunList, r.LoraPath, s.cfg.Batch.MaxLorasPerBatch) {
			s.batchIsFull = true
			break
		}
		if runningBS+len(adder.CanRunList) >= int(s.cfg.Batch.MaxRunningRequests) {
			s.batchIsFull = true
			break
		}

		res := adder.AddOneReq(s.admissionCandidate(r, now))
		if res != admission.Continue {
			if res == admission.NoToken {
				s.batchIsFull = true
			}
			break
		}
		admittedIDs[r.RID] = struct{}{}
	}

	if len(adder.CanRunList) == 0 {
		return nil
	}

	kept := s.waitingQueue[:0:0]
	for _, r := range s.waitingQueue {
		if _, ok := admittedIDs[r.RID]; !ok {
			kept = append(kept, r)
		}
	}
	s.waitingQueue = kept

	if adder.NewInflightReq != nil {
		s.currentInflightReq = candidateRef(adder.NewInflightReq)
	}
	if s.currentInflightReq != nil {
		s.currentInflightReq.IsInflightReq++
	}

	batch := NewBatch(ForwardExtend)
	extendTokens := 0
	for _, adm := range adder.CanRunList {
		r := adm.Candidate.Ref.(*Req)
		r.State = StateInflightPrefill
		r.NumNewTokens = adm.NumNewTokens
		if r.ReqPoolIdx < 0 {
			if idx, ok := s.reqPool.Alloc(); ok {
				r.ReqPoolIdx = idx
			}
		}
		if slots, ok := s.kvPool.Alloc(adm.NumNewTokens); ok {
			r.KVSlots = append(r.KVSlots, slots...)
		}
		start := adm.Candidate.MatchedPrefixLen
		end := start + adm.NumNewTokens
		batch.Offsets[r.RID] = PrefillOffsets{Start: start, End: end}
		batch.Reqs = append(batch.Reqs, r)
		extendTokens += adm.NumNewTokens
	}
	batch.ExtendNumTokens = extendTokens

	total := adder.LogInputTokens + adder.LogHitTokens
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(adder.LogHitTokens) / float64(total)
	}
	used := s.kvPool.Capacity() - (s.kvPool.AvailableSize() + s.cache.EvictableSize())
	adder.LogBatch(runningBS, len(s.waitingQueue), hitRate, float64(used)/float64(s.kvPool.Capacity()))

	metrics.PrefillBatches.Inc()
	metrics.AdmittedRequests.Add(float64(len(adder.CanRunList)))
	metrics.CacheHitTokens.Add(float64(adder.LogHitTokens))
	metrics.CacheMissTokens.Add(float64(adder.LogInputTokens))

	if s.cfg.Batch.IsMixedChunk && s.runningBatch != nil {
		batch.ForwardMode = ForwardMixed
		batch.DecodingReqs = s.runningBatch.Reqs
		s.runningBatch = nil
	}

	return batch
}

func loraExceeds(running map[string]struct{}, admitted []admission.Admitted, candidate string, max int) bool {
	set := map[string]struct{}{candidate: {}}
	for k := range running {
		set[k] = struct{}{}
	}
	for _, a := range admitted {
		set[a.Candidate.LoraPath] = struct{}{}
	}
	return len(set) > max
}

// candidateRef unwraps a continuation candidate back to its owning *Req,
// propagating the adder's updated resume offset onto it. Returns nil if c is
// nil (the candidate was fully admitted, nothing to continue).
func candidateRef(c *admission.Candidate) *Req {
	if c == nil {
		return nil
	}
	r := c.Ref.(*Req)
	r.PrefillResumeOffset = c.ResumeOffset
	return r
}
