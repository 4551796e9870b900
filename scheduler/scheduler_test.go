package scheduler

import (
	"context"
	"testing"

	"github.com/sglang-go/scheduler-core/scheduler/config"
	"github.com/sglang-go/scheduler-core/scheduler/policy"
	"github.com/sglang-go/scheduler-core/scheduler/pool"
	"github.com/sglang-go/scheduler-core/scheduler/radix"
)

// fakeWorker is a deterministic stand-in for the external model worker used
// across scheduler tests: it returns a fixed token for every decode step
// unless told otherwise.
type fakeWorker struct {
	nextToken int32
}

func (f *fakeWorker) ForwardBatchGeneration(_ context.Context, batch *ScheduleBatch) (ForwardGenerationOutput, error) {
	n := len(batch.Reqs)
	if batch.ForwardMode.IsMixed() {
		n += len(batch.DecodingReqs)
	}
	ids := make([]int32, n)
	for i := range ids {
		ids[i] = f.nextToken
	}
	return ForwardGenerationOutput{NextTokenIDs: ids}, nil
}

func (f *fakeWorker) ForwardBatchEmbedding(_ context.Context, batch *ScheduleBatch) (ForwardEmbeddingOutput, error) {
	out := make([][]float32, len(batch.Reqs))
	for i := range out {
		out[i] = []float32{1, 2, 3}
	}
	return ForwardEmbeddingOutput{Embeddings: out}, nil
}

func (f *fakeWorker) GetTokenAndMemoryInfo(_ context.Context) (TokenAndMemoryInfo, error) {
	return TokenAndMemoryInfo{MaxTotalNumTokens: 64}, nil
}

func (f *fakeWorker) UpdateWeights(_ context.Context, _ any) (bool, string, error) {
	return true, "ok", nil
}

// newTestScheduler builds a Scheduler with small, deterministic pools for
// unit tests; the clock returns 1, 2, 3, ... on successive calls unless
// overridden by the caller mutating the returned Scheduler directly.
func newTestScheduler(t *testing.T, totalSlots int) *Scheduler {
	t.Helper()
	cfg := config.Default()
	cfg.KVPool.TotalSlots = totalSlots
	cfg.ReqPool.Capacity = totalSlots
	cfg.Batch.MaxRunningRequests = int64(totalSlots)
	cfg.Batch.MaxPrefillTokens = int64(totalSlots)

	kvPool := pool.NewKVPool(totalSlots)
	cache := radix.NewRadixCache(kvPool)

	var tick int64
	return New(Params{
		Config: cfg,
		Worker: &fakeWorker{nextToken: 7},
		KVPool: kvPool,
		Cache:  cache,
		Policy: policy.New("fcfs"),
		Clock:  func() int64 { tick++; return tick },
	})
}

func TestHandleGenerateRequest_EnqueuesInWaitingQueue(t *testing.T) {
	s := newTestScheduler(t, 64)

	s.handleGenerateRequest(TokenizedGenerateReqInput{
		RID:            "r1",
		InputIDs:       []int32{1, 2, 3},
		SamplingParams: SamplingParams{MaxNewTokens: 10},
	})

	if len(s.waitingQueue) != 1 {
		t.Fatalf("waitingQueue: got %d entries, want 1", len(s.waitingQueue))
	}
	if s.waitingQueue[0].RID != "r1" {
		t.Errorf("waitingQueue[0].RID: got %s, want r1", s.waitingQueue[0].RID)
	}
}

func TestHandleGenerateRequest_ClampsMaxNewTokensToPoolBudget(t *testing.T) {
	// GIVEN a pool too small to honor the requested max_new_tokens alongside
	// the input length
	s := newTestScheduler(t, 10)

	s.handleGenerateRequest(TokenizedGenerateReqInput{
		RID:            "r1",
		InputIDs:       make([]int32, 8),
		SamplingParams: SamplingParams{MaxNewTokens: 1000},
	})

	got := s.waitingQueue[0].Sampling.MaxNewTokens
	if got > 1 {
		t.Errorf("clamped MaxNewTokens: got %d, want <= 1 (10 - 1 - 8)", got)
	}
}

func TestHandleEmbeddingRequest_MarksIsEmbedding(t *testing.T) {
	s := newTestScheduler(t, 64)
	s.handleEmbeddingRequest("e1", []int32{1, 2}, SamplingParams{})

	if len(s.waitingQueue) != 1 || !s.waitingQueue[0].IsEmbedding {
		t.Fatalf("handleEmbeddingRequest: IsEmbedding not set")
	}
}

func TestAbortRequest_RemovesFromWaitingQueue(t *testing.T) {
	s := newTestScheduler(t, 64)
	s.handleGenerateRequest(TokenizedGenerateReqInput{RID: "r1", InputIDs: []int32{1}})
	s.handleGenerateRequest(TokenizedGenerateReqInput{RID: "r2", InputIDs: []int32{2}})

	s.abortRequest("r1")

	if len(s.waitingQueue) != 1 || s.waitingQueue[0].RID != "r2" {
		t.Errorf("abortRequest did not remove r1 cleanly: got %+v", s.waitingQueue)
	}
}

func TestAbortRequest_MarksRunningRequestFinished(t *testing.T) {
	s := newTestScheduler(t, 64)
	r := NewReq("r1", 0, []int32{1, 2}, SamplingParams{})
	s.runningBatch = &ScheduleBatch{Reqs: []*Req{r}}

	s.abortRequest("r1")

	if !r.Finished() || *r.FinishedReason != FinishAbort {
		t.Errorf("abortRequest on running req: got Finished=%v reason=%v, want FinishAbort", r.Finished(), r.FinishedReason)
	}
}

func TestFlushCache_RefusedWhileRequestsInFlight(t *testing.T) {
	s := newTestScheduler(t, 64)
	s.waitingQueue = append(s.waitingQueue, NewReq("r1", 0, []int32{1}, SamplingParams{}))

	if err := s.flushCache(); err != ErrCacheBusy {
		t.Errorf("flushCache with pending work: got err=%v, want ErrCacheBusy", err)
	}
}

func TestFlushCache_SucceedsWhenIdle(t *testing.T) {
	s := newTestScheduler(t, 64)
	if err := s.flushCache(); err != nil {
		t.Errorf("flushCache when idle: got err=%v, want nil", err)
	}
}

func TestCheckMemory_DetectsPoolLeak(t *testing.T) {
	// GIVEN a scheduler whose KV pool has slots allocated but not tracked by
	// any request or the cache (a simulated leak)
	s := newTestScheduler(t, 16)
	s.kvPool.Alloc(4)
	s.cfg.Runtime.CrashOnWarning = true

	if err := s.checkMemory(); err != ErrInvariantDrift {
		t.Errorf("checkMemory with leaked slots: got err=%v, want ErrInvariantDrift", err)
	}
}

func TestCheckMemory_NonFatalWhenCrashOnWarningDisabled(t *testing.T) {
	s := newTestScheduler(t, 16)
	s.kvPool.Alloc(4)
	s.cfg.Runtime.CrashOnWarning = false

	if err := s.checkMemory(); err != nil {
		t.Errorf("checkMemory without CrashOnWarning: got err=%v, want nil (logged, not fatal)", err)
	}
}

func TestEnsureMatched_ReusesPinnedNodeAcrossCalls(t *testing.T) {
	// GIVEN a cache that already holds a 2-token prefix shared by r
	s := newTestScheduler(t, 64)
	seed := NewReq("seed", 0, []int32{1, 2}, SamplingParams{})
	seedMatched, seedNode := s.cache.MatchPrefix(seed.InputIDs, 0)
	s.cache.CacheFinishedReq(seed.InputIDs, []int{0, 1}, seedNode, 0)
	_ = seedMatched

	r := NewReq("r1", 0, []int32{1, 2, 3}, SamplingParams{})
	first := s.ensureMatched(r, 1)
	if first != 2 {
		t.Fatalf("initial ensureMatched: got %d, want 2", first)
	}

	// WHEN another request extends the cache so {1,2,3} as a whole becomes
	// cached after r has already pinned its match
	other := NewReq("r2", 0, []int32{1, 2, 3}, SamplingParams{})
	_, otherNode := s.cache.MatchPrefix(other.InputIDs, 2)
	s.cache.CacheFinishedReq(other.InputIDs, []int{5, 6, 7}, otherNode, 2)

	// THEN r1's matched length is unchanged: it does not re-query the cache
	second := s.ensureMatched(r, 4)
	if second != first {
		t.Errorf("ensureMatched re-matched: got %d then %d, want stable at %d", first, second, first)
	}
}
