package scheduler

import (
	"context"
	"sync"
)

// OverlapWorker implements the optional fast path (spec.md §4.8): the
// scheduler loop (Run, in loop.go) submits decode batch N+1 right after
// launching batch N, instead of waiting for batch N's next_token_ids to
// reach the host first. Requests whose previous step is still in flight get
// a negative future-id placeholder in DecodeInputIDs rather than their real
// last token; the background goroutine below resolves those placeholders
// against the backing store immediately before each forward call, and it is
// the one that populates the store — right after computing a batch's
// output and before dequeuing the next job — so resolution for batch N+1
// never races the scheduler's own bookkeeping for batch N.
//
// Two queues (input, output) and two host events (launchDone, copyDone)
// order host-visible side effects across the scheduler/worker boundary, the
// same producer/consumer shape as a bounded work queue with a completion
// signal (cf. a priority queue's notify channel), generalized to two
// one-shot signals per submitted batch.
type OverlapWorker struct {
	worker Worker

	limit     int     // future_token_ids_limit = 3 * max_running_requests
	storeSize int     // 5 * max_running_requests
	store     []int32 // future_token_ids_map backing store

	mu      sync.Mutex
	counter int

	jobs    chan overlapJob
	results chan overlapResult
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type overlapJob struct {
	bid        int64
	batch      *ScheduleBatch
	launchDone chan struct{}
}

type overlapResult struct {
	bid      int64
	out      ForwardGenerationOutput
	err      error
	copyDone chan struct{}
}

// NewOverlapWorker creates a shim bounding its future-id namespace and
// backing store to maxRunningRequests, per spec.md §4.8's fixed multiples.
func NewOverlapWorker(w Worker, maxRunningRequests int) *OverlapWorker {
	return &OverlapWorker{
		worker:    w,
		limit:     3 * maxRunningRequests,
		storeSize: 5 * maxRunningRequests,
		store:     make([]int32, 5*maxRunningRequests),
		jobs:      make(chan overlapJob, 1),
		results:   make(chan overlapResult, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background goroutine that drains jobs and runs the
// worker forward pass, standing in for a dedicated accelerator stream.
func (o *OverlapWorker) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ctx.Done():
				return
			case job := <-o.jobs:
				close(job.launchDone)
				if len(job.batch.DecodeInputIDs) > 0 {
					o.ResolveIDs(job.batch.DecodeInputIDs)
				}
				out, err := o.worker.ForwardBatchGeneration(ctx, job.batch)
				if err == nil {
					for i, placeholder := range job.batch.OutputPlaceholders {
						if i < len(out.NextTokenIDs) {
							o.StoreFutureValue(placeholder, out.NextTokenIDs[i])
						}
					}
				}
				copyDone := make(chan struct{})
				select {
				case o.results <- overlapResult{bid: job.bid, out: out, err: err, copyDone: copyDone}:
					close(copyDone)
				case <-o.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it.
func (o *OverlapWorker) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

// AllocateFutureIDs reserves a contiguous range of bs negative placeholder
// token ids, [-(ct+1), -(ct+bs)], and advances the wraparound counter.
func (o *OverlapWorker) AllocateFutureIDs(bs int) []int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int32, bs)
	for i := 0; i < bs; i++ {
		ct := o.counter
		o.counter = (o.counter + 1) % o.limit
		ids[i] = -int32(ct + 1)
	}
	return ids
}

// ResolveIDs rewrites input_ids in place: any id < 0 is replaced by the real
// token id landed in the backing store for that placeholder slot.
func (o *OverlapWorker) ResolveIDs(ids []int32) {
	for i, id := range ids {
		if id < 0 {
			ids[i] = o.store[(-id-1)%int32(o.storeSize)]
		}
	}
}

// StoreFutureValue records the real token id for a previously allocated
// placeholder, once it has landed on the host.
func (o *OverlapWorker) StoreFutureValue(placeholder int32, real int32) {
	idx := (-placeholder - 1) % int32(o.storeSize)
	o.store[idx] = real
}

// Submit enqueues batch for the background goroutine, returning a
// launchDone channel that closes once the worker has dequeued the batch and
// is about to resolve its future ids — the point past which the caller is
// free to build and submit the next batch without waiting for this one's
// result (spec.md §4.8).
func (o *OverlapWorker) Submit(bid int64, batch *ScheduleBatch) (launchDone chan struct{}) {
	launchDone = make(chan struct{})
	o.jobs <- overlapJob{bid: bid, batch: batch, launchDone: launchDone}
	return launchDone
}

// ResolveBatchResult blocks until the forward pass for bid completes,
// synchronizing on copyDone before returning the host-side result — mirrors
// resolve_batch_result's wait on the copy-done event (spec.md §5).
func (o *OverlapWorker) ResolveBatchResult() (ForwardGenerationOutput, error) {
	r := <-o.results
	<-r.copyDone
	return r.out, r.err
}
