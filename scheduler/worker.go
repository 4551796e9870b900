package scheduler

import "context"

// Worker is the external collaborator that owns the model forward pass
// (spec.md §6, explicitly out of scope for this package: "the model forward
// pass itself (a black-box worker returning next-token ids)").
type Worker interface {
	// ForwardBatchGeneration runs one forward pass over batch and returns,
	// per request in batch order, the sampled next token id and (if
	// requested) logprob info. For a decode batch submitted through the
	// overlap shim, batch.DecodeInputIDs (already resolved to real, non-
	// negative ids by the shim before this call) is the token to feed each
	// request this step, rather than the last element of its own OutputIDs.
	ForwardBatchGeneration(ctx context.Context, batch *ScheduleBatch) (ForwardGenerationOutput, error)

	// ForwardBatchEmbedding runs one forward pass over batch and returns,
	// per request in batch order, its embedding vector.
	ForwardBatchEmbedding(ctx context.Context, batch *ScheduleBatch) (ForwardEmbeddingOutput, error)

	// GetTokenAndMemoryInfo reports the worker's static capacity, read once
	// at startup to size the scheduler's pools.
	GetTokenAndMemoryInfo(ctx context.Context) (TokenAndMemoryInfo, error)

	// UpdateWeights swaps in new weights.
	UpdateWeights(ctx context.Context, payload any) (ok bool, message string, err error)
}

// ForwardGenerationOutput is Worker.ForwardBatchGeneration's result, in the
// same order as the batch's requests.
type ForwardGenerationOutput struct {
	NextTokenIDs        []int32
	InputTokenLogprobs  [][]LogprobEntry // nil unless ReturnLogprob was set
	OutputTokenLogprobs [][]LogprobEntry
}

// ForwardEmbeddingOutput is Worker.ForwardBatchEmbedding's result, in the
// same order as the batch's requests.
type ForwardEmbeddingOutput struct {
	Embeddings [][]float32
}

// TokenAndMemoryInfo is the worker's reported static capacity.
type TokenAndMemoryInfo struct {
	MaxTotalNumTokens  int
	MaxPrefillTokens   int
	MaxRunningRequests int
	MaxReqInputLen     int
	Seed               int64
}
