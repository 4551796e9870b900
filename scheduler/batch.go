package scheduler

// ForwardMode identifies what kind of forward pass a ScheduleBatch drives.
type ForwardMode int

const (
	ForwardExtend ForwardMode = iota // prefill / chunked prefill
	ForwardDecode
	ForwardMixed // one chunked-prefill request alongside decoding requests
)

func (m ForwardMode) IsDecode() bool  { return m == ForwardDecode }
func (m ForwardMode) IsExtend() bool  { return m == ForwardExtend || m == ForwardMixed }
func (m ForwardMode) IsMixed() bool   { return m == ForwardMixed }

// PrefillOffsets records the prefill start/end token offsets the adder
// scheduled for a request in the current batch.
type PrefillOffsets struct {
	Start int
	End   int
}

// ScheduleBatch is the ordered collection of requests the worker executes in
// one forward pass.
type ScheduleBatch struct {
	Reqs            []*Req
	ForwardMode     ForwardMode
	ExtendNumTokens int
	Offsets         map[string]PrefillOffsets
	// DecodingReqs holds the running requests folded into a mixed-chunk
	// batch alongside the single chunked-prefill request.
	DecodingReqs []*Req

	// DecodeInputIDs is set only for a decode batch submitted through the
	// overlap shim (spec.md §4.8): ids[i] is the token fed into this step for
	// Reqs[i], possibly still a negative future-id placeholder at submission
	// time if Reqs[i]'s previous step hasn't resolved on the host yet.
	DecodeInputIDs []int32
	// OutputPlaceholders parallels Reqs for an overlap-submitted decode
	// batch: the future id reserved for the token this very step produces,
	// so the next decode batch can reference it before this one resolves.
	OutputPlaceholders []int32
}

// NewBatch creates an empty batch of the given forward mode.
func NewBatch(mode ForwardMode) *ScheduleBatch {
	return &ScheduleBatch{
		ForwardMode: mode,
		Offsets:     make(map[string]PrefillOffsets),
	}
}

// IsEmpty reports whether the batch carries no requests.
func (b *ScheduleBatch) IsEmpty() bool {
	return b == nil || len(b.Reqs) == 0
}

// BatchSize returns the number of requests in the batch.
func (b *ScheduleBatch) BatchSize() int {
	if b == nil {
		return 0
	}
	return len(b.Reqs)
}
