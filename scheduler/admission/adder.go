// Package admission implements the prefill admission controller: the
// greedy, budget-constrained pass that decides which waiting requests join
// the next prefill batch (spec.md §4.4).
package admission

import "github.com/sirupsen/logrus"

// Result is the terminal code AddOneReq/AddInflightReq report for a
// candidate, mirroring the original's AddReqResult enum.
type Result int

const (
	// Continue means the candidate was admitted (fully or as the single
	// inflight split) and the adder should keep considering more candidates.
	Continue Result = iota
	// NoToken means admitting would exceed the remaining memory budget;
	// the caller should stop offering candidates and mark the batch full.
	NoToken
	// Other means admitting would exceed the remaining input-token budget
	// (a distinct budget from NoToken so callers can log the two causes
	// separately, per spec.md §4.4).
	Other
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case NoToken:
		return "no_token"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// Candidate is the subset of a waiting request's state the adder needs.
// Ref carries the caller's own request handle back out unchanged, so this
// package never depends on the scheduler package's Req type.
type Candidate struct {
	Ref                   any
	ID                    string
	LoraPath              string
	InputLen              int // total input token count
	MatchedPrefixLen      int // tokens already resident in the cache (from MatchPrefix)
	EffectiveMaxNewTokens int

	// ResumeOffset is where a chunked/retracted candidate should resume
	// prefill from, for inflight continuations (AddInflightReq).
	ResumeOffset int
}

// Admitted describes how much of a candidate was admitted into the batch:
// either in full, or (at most once per adder pass) as a chunked inflight
// split.
type Admitted struct {
	Candidate    Candidate
	NumNewTokens int  // uncached tokens to prefill this iteration
	Inflight     bool // true iff only a chunk of NumNewTokens was admitted
}

// NewTokenRatio/MaxNewTokens combine into the decode-reserve term of the
// required-tokens check (spec.md §4.4 step 3): ceil(ratio * maxNewTokens).
func decodeReserve(ratio float64, maxNewTokens int) int {
	if maxNewTokens <= 0 {
		return 0
	}
	reserve := ratio * float64(maxNewTokens)
	whole := int(reserve)
	if float64(whole) < reserve {
		whole++
	}
	return whole
}

// PrefillAdder greedily fills one prefill batch subject to token, memory,
// request-count, LoRA-set, and decode-reserve constraints. One instance is
// constructed per scheduler iteration.
type PrefillAdder struct {
	log *logrus.Entry

	newTokenRatio    float64
	remTotalTokens   int
	remInputTokens   int
	remChunkTokens   int // -1 means chunking disabled
	mixedNumRunning  int // running requests to reserve one decode slot each for

	CanRunList    []Admitted
	NewInflightReq *Candidate // set at most once per pass
	LogInputTokens int
	LogHitTokens   int
}

// New constructs a PrefillAdder.
//
// totalAvailable is available_size() + evictable_size() at the moment the
// adder is built: the memory budget it greedily spends across candidates.
// maxPrefillTokens bounds total input tokens processed in one batch.
// chunkedPrefillSize <= 0 disables chunked/inflight admission.
// mixedNumRunning > 0 reserves one decode-token slot per currently running
// request (mixed-chunk mode, spec.md §4.4 step 2).
func New(log *logrus.Entry, newTokenRatio float64, totalAvailable, maxPrefillTokens, chunkedPrefillSize, mixedNumRunning int) *PrefillAdder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	remChunk := -1
	if chunkedPrefillSize > 0 {
		remChunk = chunkedPrefillSize
	}
	a := &PrefillAdder{
		log:             log,
		newTokenRatio:   newTokenRatio,
		remTotalTokens:  totalAvailable,
		remInputTokens:  maxPrefillTokens,
		remChunkTokens:  remChunk,
		mixedNumRunning: mixedNumRunning,
	}
	if mixedNumRunning > 0 {
		// One decode token reserved per already-running request, against
		// the total budget only (spec.md §4.4 step 2).
		a.remTotalTokens -= mixedNumRunning
	}
	return a
}

// AddInflightReq resumes a previously chunked candidate from its saved
// offset, at the head of the new pass, before any other candidate is
// considered. Returns the candidate again (still inflight) if it could only
// be partially resumed, or nil if it was fully admitted.
func (a *PrefillAdder) AddInflightReq(c Candidate) *Candidate {
	remaining := c.InputLen - c.ResumeOffset
	numNew := remaining
	if a.remChunkTokens >= 0 && numNew > a.remChunkTokens {
		numNew = a.remChunkTokens
	}
	a.admit(c, numNew)
	if numNew < remaining {
		next := c
		next.ResumeOffset += numNew
		return &next
	}
	return nil
}

// AddOneReq evaluates one waiting candidate in policy order, admitting it
// fully, as the pass's single inflight split, or not at all.
func (a *PrefillAdder) AddOneReq(c Candidate) Result {
	lNew := c.InputLen - c.MatchedPrefixLen
	reserve := decodeReserve(a.newTokenRatio, c.EffectiveMaxNewTokens)
	required := lNew + reserve

	if required > a.remTotalTokens {
		return NoToken
	}
	if lNew > a.remInputTokens {
		return Other
	}

	if a.remChunkTokens >= 0 && lNew > a.remChunkTokens && a.NewInflightReq == nil {
		numNew := a.remChunkTokens
		a.admitPartial(c, numNew, lNew)
		a.remTotalTokens -= reserve
		next := c
		next.ResumeOffset = c.MatchedPrefixLen + numNew
		a.NewInflightReq = &next
		return Continue
	}

	a.admit(c, lNew)
	a.remTotalTokens -= reserve
	return Continue
}

// admit records a full (or inflight-resumed) admission of numNew uncached
// tokens and updates running budgets/stats.
func (a *PrefillAdder) admit(c Candidate, numNew int) {
	a.CanRunList = append(a.CanRunList, Admitted{Candidate: c, NumNewTokens: numNew})
	hit := c.InputLen - c.ResumeOffset - numNew
	a.bookkeep(numNew, hit)
}

// admitPartial records the inflight split case, where lNew is the full
// uncached length but only numNew of it is prefilled this iteration. lNew is
// not used; the hit tokens recorded are the candidate's MatchedPrefixLen.
func (a *PrefillAdder) admitPartial(c Candidate, numNew, lNew int) {
	a.CanRunList = append(a.CanRunList, Admitted{Candidate: c, NumNewTokens: numNew, Inflight: true})
	a.bookkeep(numNew, c.MatchedPrefixLen)
	_ = lNew
}

func (a *PrefillAdder) bookkeep(numNew, hit int) {
	a.remTotalTokens -= numNew
	a.remInputTokens -= numNew
	if a.remChunkTokens >= 0 {
		a.remChunkTokens -= numNew
	}
	a.LogInputTokens += numNew
	a.LogHitTokens += hit
}

// LogBatch emits the per-batch admission summary the teacher logs after
// every prefill batch formation.
func (a *PrefillAdder) LogBatch(runningReqs, queuedReqs int, cacheHitRate float64, tokenUsage float64) {
	a.log.WithFields(logrus.Fields{
		"new_seq":       len(a.CanRunList),
		"new_token":     a.LogInputTokens,
		"cached_token":  a.LogHitTokens,
		"hit_rate_pct":  cacheHitRate * 100,
		"token_usage":   tokenUsage,
		"running_req":   runningReqs,
		"queue_req":     queuedReqs,
		"mixed_running": a.mixedNumRunning,
	}).Info("prefill batch")
}
