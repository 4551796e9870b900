// Package scheduler implements the iteration-driven request scheduler for a
// colocated LLM inference worker: KV memory accounting, prefix-sharing
// caches, prefill admission, decode retraction, and grammar-guided
// jump-forward.
package scheduler

import (
	"strings"

	"github.com/sglang-go/scheduler-core/scheduler/grammar"
)

// State is a request's position in the Waiting -> Inflight -> Running ->
// Finished lifecycle.
type State int

const (
	StateWaiting State = iota
	StateInflightPrefill
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateInflightPrefill:
		return "inflight"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// FinishReason identifies why a request stopped generating.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishEOS
	FinishLength
	FinishStopString
	FinishAbort
)

// SamplingParams holds the subset of sampling configuration the scheduler
// itself must reason about (memory reservation, grammar compilation,
// stop-condition checks). Everything else is opaque and forwarded to the
// worker untouched.
type SamplingParams struct {
	MaxNewTokens              int // 0 means "unset"; resolved to maxNewTokensUnset by the scheduler
	IgnoreEOS                 bool
	JSONSchema                string
	Regex                     string
	SkipSpecialTokens         bool
	SpacesBetweenSpecialToken bool
	NoStopTrim                bool
	Stop                      []string
	Temperature               float64
	TopK                      int
	TopP                      float64
}

// maxNewTokensUnset is substituted for SamplingParams.MaxNewTokens == 0,
// mirroring "null ⇒ 1<<30" from the sampling params contract.
const maxNewTokensUnset = 1 << 30

// EffectiveMaxNewTokens returns the resolved max-new-tokens budget.
func (p SamplingParams) EffectiveMaxNewTokens() int {
	if p.MaxNewTokens <= 0 {
		return maxNewTokensUnset
	}
	return p.MaxNewTokens
}

// LogprobEntry pairs a log-probability with the token id it was computed for.
type LogprobEntry struct {
	Logprob float64
	TokenID int32
}

// Req models a single in-flight request's full lifecycle state, mirroring
// the `Req` record in the SGLang scheduler this package reimplements.
type Req struct {
	RID         string
	ArrivalTime int64

	InputIDs  []int32
	OutputIDs []int32

	Sampling SamplingParams
	LoraPath string
	Stream   bool

	// IsEmbedding marks a request produced by handleEmbeddingRequest: it
	// skips decode entirely and is scored in a single extend-only pass.
	IsEmbedding bool

	// Grammar is nil when the request has no constrained-decoding grammar.
	Grammar *grammar.Matcher

	State          State
	FinishedReason *FinishReason

	// IsInflightReq > 0 means this request's prefill is not yet complete;
	// it must never be treated as decodable while this holds.
	IsInflightReq int

	// ReqPoolIdx is the slot assigned by the request-slot pool once admitted.
	// -1 means "not yet assigned".
	ReqPoolIdx int

	// ProgressIndex is the number of input tokens processed so far, plus the
	// number of output tokens generated so far once prefill completes.
	ProgressIndex int
	// NumNewTokens is the token count scheduled for the current iteration.
	NumNewTokens int

	// PrefillResumeOffset records where a chunked/retracted request should
	// resume prefill from.
	PrefillResumeOffset int

	// KVSlots are the pool slot indices currently owned by this request
	// (not yet transferred to the cache trie).
	KVSlots []int

	// LastNode is the radix-trie node this request's matched prefix ends at.
	// Its lock_ref is held (pinned) while the request is live. Kept as `any`
	// deliberately: the radix package must never import this package, so
	// the concrete *radix.Node type is only known to scheduler.go, which
	// does import radix.
	LastNode any

	// CachedSlots are the KV pool slots backing the cache-owned portion of
	// this request's prefix (the match returned alongside LastNode). They
	// are shared with the cache trie, not exclusively owned the way
	// KVSlots are.
	CachedSlots []int

	InputTokenLogprobs  []LogprobEntry
	OutputTokenLogprobs []LogprobEntry

	// CompletionTokens counts every output token, including ones produced by
	// jump-forward. CompletionTokensWoJumpForward counts only tokens that
	// went through an actual forward pass.
	CompletionTokens             int
	CompletionTokensWoJumpForward int

	// LastStreamedLen is the output length at which streaming last emitted
	// a partial message, used to honor stream_interval cadence.
	LastStreamedLen int
}

// NewReq constructs a Req in the Waiting state.
func NewReq(rid string, arrivalTime int64, inputIDs []int32, sp SamplingParams) *Req {
	return &Req{
		RID:         rid,
		ArrivalTime: arrivalTime,
		InputIDs:    inputIDs,
		Sampling:    sp,
		State:       StateWaiting,
		ReqPoolIdx:  -1,
	}
}

// Finished reports whether the request has reached a terminal state.
func (r *Req) Finished() bool {
	return r.FinishedReason != nil
}

// Finish marks the request finished with the given reason. Idempotent:
// calling Finish twice keeps the first reason (abort honored idempotently
// per spec's error-handling design).
func (r *Req) Finish(reason FinishReason) {
	if r.FinishedReason != nil {
		return
	}
	r.FinishedReason = &reason
	r.State = StateFinished
}

// CheckFinished evaluates EOS/max-tokens/stop-string termination for the
// most recently appended output token. eosTokenIDs is the worker's EOS set.
func (r *Req) CheckFinished(eosTokenIDs map[int32]struct{}, detok func([]int32) string) {
	if r.Finished() {
		return
	}
	if len(r.OutputIDs) == 0 {
		return
	}
	last := r.OutputIDs[len(r.OutputIDs)-1]

	if !r.Sampling.IgnoreEOS {
		if _, ok := eosTokenIDs[last]; ok {
			r.Finish(FinishEOS)
			return
		}
	}
	if len(r.OutputIDs) >= r.Sampling.EffectiveMaxNewTokens() {
		r.Finish(FinishLength)
		return
	}
	if len(r.Sampling.Stop) > 0 && detok != nil {
		text := detok(r.OutputIDs)
		for _, stop := range r.Sampling.Stop {
			if stop != "" && strings.Contains(text, stop) {
				r.Finish(FinishStopString)
				return
			}
		}
	}
}
