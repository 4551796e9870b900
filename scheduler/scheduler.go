package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sglang-go/scheduler-core/scheduler/admission"
	"github.com/sglang-go/scheduler-core/scheduler/config"
	"github.com/sglang-go/scheduler-core/scheduler/grammar"
	"github.com/sglang-go/scheduler-core/scheduler/policy"
	"github.com/sglang-go/scheduler-core/scheduler/pool"
	"github.com/sglang-go/scheduler-core/scheduler/radix"
)

// Scheduler is the single-threaded cooperative iteration loop (spec.md §5):
// it owns the KV pool, request slot pool, prefix cache, waiting queue, and
// running batch exclusively, and drives prefill/decode iterations against
// an external Worker.
type Scheduler struct {
	cfg config.Config
	log *logrus.Entry

	kvPool  *pool.KVPool
	reqPool *pool.ReqSlotPool
	cache   radix.Cache
	policy  policy.Policy

	grammarCache *grammar.StateCache
	eosTokenIDs  map[int32]struct{}

	worker  Worker
	overlap *OverlapWorker

	tokenize   func(string) []int32
	detokenize func([]int32) string
	clock      func() int64

	inbound  <-chan InboundMessage
	outbound chan<- any

	waitingQueue       []*Req
	runningBatch       *ScheduleBatch
	lastBatch          *ScheduleBatch
	currentInflightReq *Req
	batchIsFull        bool

	newTokenRatio float64

	decodeForwardCt    int
	numGeneratedTokens int
	batchCounter       int64
}

// Params groups the external collaborators a Scheduler is constructed with.
type Params struct {
	Config config.Config
	Worker Worker
	// KVPool backs both the scheduler's own slot accounting and Cache: the
	// caller must construct Cache over this same pool, so it is supplied
	// here rather than built internally. Defaults to a fresh pool sized
	// from Config.KVPool.TotalSlots if nil (only safe when Cache was built
	// over an identically-sized, otherwise-unused pool of its own).
	KVPool       *pool.KVPool
	Cache        radix.Cache
	Policy       policy.Policy
	GrammarCache *grammar.StateCache
	EOSTokenIDs  map[int32]struct{}
	Tokenize     func(string) []int32
	Detokenize   func([]int32) string
	// Clock returns the current logical time, used for LRU bookkeeping.
	// Defaults to a real wall-clock source; tests supply a deterministic
	// one.
	Clock        func() int64
	Inbound      <-chan InboundMessage
	Outbound     chan<- any
	Log          *logrus.Entry
}

// New constructs a Scheduler from explicit configuration and collaborators.
// No global or environment state is read here beyond what the caller
// already resolved into cfg (config.ResolveRuntimeFlagsFromEnv is the
// caller's job, run once at process startup).
func New(p Params) *Scheduler {
	log := p.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	kvPool := p.KVPool
	if kvPool == nil {
		kvPool = pool.NewKVPool(p.Config.KVPool.TotalSlots)
	}
	s := &Scheduler{
		cfg:          p.Config,
		log:          log,
		kvPool:       kvPool,
		reqPool:      pool.NewReqSlotPool(p.Config.ReqPool.Capacity),
		cache:        p.Cache,
		policy:       p.Policy,
		grammarCache: p.GrammarCache,
		eosTokenIDs:  p.EOSTokenIDs,
		worker:       p.Worker,
		tokenize:     p.Tokenize,
		detokenize:   p.Detokenize,
		clock:        p.Clock,
		inbound:      p.Inbound,
		outbound:     p.Outbound,
		newTokenRatio: p.Config.Retraction.InitNewTokenRatio,
	}
	if s.clock == nil {
		s.clock = defaultClock
	}
	if p.Config.Runtime.EnableOverlap {
		s.overlap = NewOverlapWorker(p.Worker, int(p.Config.Batch.MaxRunningRequests))
	}
	return s
}

// handleGenerateRequest admits a new generation request into the waiting
// queue, compiling its grammar (if any) and clamping max_new_tokens to the
// pool's input-length ceiling (spec.md §9 "handle_generate_request").
func (s *Scheduler) handleGenerateRequest(m TokenizedGenerateReqInput) {
	req := NewReq(m.RID, 0, m.InputIDs, m.SamplingParams)
	req.LoraPath = m.LoraPath
	req.Stream = m.Stream

	if s.grammarCache != nil {
		kind, spec := grammarSpec(m.SamplingParams)
		if spec != "" {
			matcher, err := s.grammarCache.Query(kind, spec)
			if err != nil {
				s.log.WithError(err).WithField("rid", m.RID).Warn("grammar compile failed, proceeding unconstrained")
			}
			req.Grammar = matcher
		}
	}

	maxReqInputLen := s.cfg.KVPool.TotalSlots
	if len(req.InputIDs) >= maxReqInputLen {
		s.log.WithField("rid", m.RID).Warn("request length exceeds pool size, truncating")
		req.InputIDs = req.InputIDs[:maxReqInputLen]
	}
	budget := maxReqInputLen - 1 - len(req.InputIDs)
	if budget < 0 {
		budget = 0
	}
	if eff := req.Sampling.EffectiveMaxNewTokens(); eff > budget {
		req.Sampling.MaxNewTokens = budget
	}

	s.waitingQueue = append(s.waitingQueue, req)
}

func grammarSpec(sp SamplingParams) (grammar.Kind, string) {
	if sp.JSONSchema != "" {
		return grammar.KindJSON, sp.JSONSchema
	}
	if sp.Regex != "" {
		return grammar.KindRegex, sp.Regex
	}
	return "", ""
}

// handleEmbeddingRequest admits a new embedding/reward request.
func (s *Scheduler) handleEmbeddingRequest(rid string, inputIDs []int32, sp SamplingParams) {
	req := NewReq(rid, 0, inputIDs, sp)
	req.IsEmbedding = true
	s.waitingQueue = append(s.waitingQueue, req)
}

// abortRequest removes rid from the waiting queue, or marks it FinishAbort
// if it is currently running — cache_finished_req then happens at the next
// post-process step (spec.md §5 "Cancellation and timeouts").
func (s *Scheduler) abortRequest(rid string) {
	for i, r := range s.waitingQueue {
		if r.RID == rid {
			s.waitingQueue = append(s.waitingQueue[:i], s.waitingQueue[i+1:]...)
			return
		}
	}
	if s.runningBatch != nil {
		for _, r := range s.runningBatch.Reqs {
			if r.RID == rid {
				r.Finish(FinishAbort)
				return
			}
		}
	}
}

// flushCache resets the caches. Refused while the waiting queue or the
// running batch is non-empty (spec.md §9 edge case).
func (s *Scheduler) flushCache() error {
	if len(s.waitingQueue) > 0 || (s.runningBatch != nil && !s.runningBatch.IsEmpty()) {
		s.log.Warn("flush_cache refused: requests still in flight")
		return ErrCacheBusy
	}
	return s.cache.Reset()
}

// checkMemory verifies the pool-accounting invariants hold (spec.md §7
// "Invariant drift"). In CI mode (RuntimeFlags.CrashOnWarning) a violation
// is fatal; otherwise it is logged and the loop continues.
func (s *Scheduler) checkMemory() error {
	available := s.kvPool.AvailableSize() + s.cache.EvictableSize()
	if available != s.kvPool.Capacity() {
		s.log.WithFields(logrus.Fields{
			"available_size":     available,
			"max_total_num_tokens": s.kvPool.Capacity(),
		}).Warn("KV cache pool leak detected")
		if s.cfg.Runtime.CrashOnWarning {
			return ErrInvariantDrift
		}
	}
	if s.reqPool.AvailableSize()+s.reqSlotsInUse() != s.reqPool.Capacity() {
		s.log.Warn("request slot pool leak detected")
		if s.cfg.Runtime.CrashOnWarning {
			return ErrInvariantDrift
		}
	}
	return nil
}

func (s *Scheduler) reqSlotsInUse() int {
	n := 0
	if s.runningBatch != nil {
		for _, r := range s.runningBatch.Reqs {
			if r.ReqPoolIdx >= 0 {
				n++
			}
		}
	}
	if s.currentInflightReq != nil && s.currentInflightReq.ReqPoolIdx >= 0 {
		n++
	}
	return n
}

func defaultClock() int64 { return time.Now().UnixNano() }

// ensureMatched matches r's input against the cache at most once: the
// resulting node's pin belongs to r from then on and is reused (not
// re-acquired) across scheduler iterations until r finishes, is retracted,
// or is aborted. This mirrors init_next_round_input's incremental-from-
// last-node behavior without needing a separate incremental-match API.
func (s *Scheduler) ensureMatched(r *Req, now int64) (matchedLen int) {
	if r.LastNode != nil {
		if n, ok := r.LastNode.(*radix.Node); ok {
			return n.MatchedLen()
		}
	}
	matched, node := s.cache.MatchPrefix(r.InputIDs, now)
	r.LastNode = node
	r.CachedSlots = matched
	return len(matched)
}

// admissionCandidate builds an admission.Candidate from r, matching its
// prefix against the cache if it hasn't been already.
func (s *Scheduler) admissionCandidate(r *Req, now int64) admission.Candidate {
	return admission.Candidate{
		Ref:                   r,
		ID:                    r.RID,
		LoraPath:              r.LoraPath,
		InputLen:              len(r.InputIDs),
		MatchedPrefixLen:      s.ensureMatched(r, now),
		EffectiveMaxNewTokens: r.Sampling.EffectiveMaxNewTokens(),
		ResumeOffset:          r.PrefillResumeOffset,
	}
}
