package scheduler

// Inbound messages drained from the request channel (spec.md §6). Each
// concrete type implements InboundMessage; the scheduler loop dispatches on
// the concrete type via a type switch.
type InboundMessage interface{ inbound() }

// TokenizedGenerateReqInput starts a text-generation request.
type TokenizedGenerateReqInput struct {
	RID             string
	InputText       string
	InputIDs        []int32
	SamplingParams  SamplingParams
	ImageInputs     any // opaque; forwarded to the worker untouched
	ReturnLogprob   bool
	TopLogprobsNum  int
	Stream          bool
	LogprobStartLen int
	LoraPath        string
}

func (TokenizedGenerateReqInput) inbound() {}

// TokenizedEmbeddingReqInput starts an embedding request.
type TokenizedEmbeddingReqInput struct {
	RID            string
	InputText      string
	InputIDs       []int32
	SamplingParams SamplingParams
}

func (TokenizedEmbeddingReqInput) inbound() {}

// TokenizedRewardReqInput starts a reward-model request; same shape as
// embedding (spec.md §6).
type TokenizedRewardReqInput struct {
	RID            string
	InputText      string
	InputIDs       []int32
	SamplingParams SamplingParams
}

func (TokenizedRewardReqInput) inbound() {}

// FlushCacheReq requests the caches be reset. Refused (logged, ignored) if
// the waiting queue or the running batch is non-empty (spec.md §7, §9 edge case).
type FlushCacheReq struct{}

func (FlushCacheReq) inbound() {}

// AbortReq requests the named request be terminated immediately.
type AbortReq struct {
	RID string
}

func (AbortReq) inbound() {}

// UpdateWeightReqInput requests the worker swap in new weights.
type UpdateWeightReqInput struct {
	Payload any // opaque; forwarded to Worker.UpdateWeights untouched
}

func (UpdateWeightReqInput) inbound() {}

// ProfileAction selects start/stop for ProfileReq.
type ProfileAction int

const (
	ProfileStart ProfileAction = iota
	ProfileStop
)

// ProfileReq starts or stops the torch profiler. A no-op hook in this
// package: profiler mechanics are an external collaborator (spec.md §1
// non-goals, "benchmarking harnesses"); the scheduler accepts the message
// and takes no action, and ProfilerDir is not consulted.
type ProfileReq struct {
	Action ProfileAction
}

func (ProfileReq) inbound() {}

// Outbound messages emitted to the detokenizer channel (spec.md §6).

// MetaInfo accompanies every streamed output.
type MetaInfo struct {
	PromptTokens                 int
	CompletionTokens              int
	CompletionTokensWoJumpForward int
	FinishReason                  *FinishReason
	InputTokenLogprobs            []LogprobEntry
	OutputTokenLogprobs           []LogprobEntry
}

// BatchTokenIDOut carries one iteration's worth of generated token ids for
// the detokenizer to decode and stream to clients.
type BatchTokenIDOut struct {
	RIDs                       []string
	Vids                       []int
	ReadIDs                    [][]int32
	ReadOffsets                []int
	SkipSpecialTokens          []bool
	SpacesBetweenSpecialTokens []bool
	MetaInfo                   []MetaInfo
	FinishedReason             []*FinishReason
	NoStopTrim                 []bool
}

// BatchEmbeddingOut carries one iteration's worth of embedding results.
type BatchEmbeddingOut struct {
	RIDs           []string
	Embeddings     [][]float32
	MetaInfo       []MetaInfo
	FinishedReason []*FinishReason
}

// UpdateWeightReqOutput reports the result of an UpdateWeightReqInput.
type UpdateWeightReqOutput struct {
	Success bool
	Message string
}
