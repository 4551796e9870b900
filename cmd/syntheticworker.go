package cmd

import (
	"context"
	"math/rand"

	"github.com/sglang-go/scheduler-core/scheduler"
)

// syntheticWorker stands in for the real accelerator-backed forward pass
// (spec.md §6 names the worker an external black box). It samples a random
// token from its configured vocabulary per request per step, just enough to
// drive the scheduler loop end to end for `serve --demo-requests`.
type syntheticWorker struct {
	vocabSize int
	eosToken  int32
	rng       *rand.Rand
}

func newSyntheticWorker(vocabSize int, seed int64) *syntheticWorker {
	return &syntheticWorker{
		vocabSize: vocabSize,
		eosToken:  int32(vocabSize - 1),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (w *syntheticWorker) ForwardBatchGeneration(_ context.Context, batch *scheduler.ScheduleBatch) (scheduler.ForwardGenerationOutput, error) {
	n := len(batch.Reqs)
	if batch.ForwardMode.IsMixed() {
		n += len(batch.DecodingReqs)
	}
	out := scheduler.ForwardGenerationOutput{NextTokenIDs: make([]int32, n)}
	for i := range out.NextTokenIDs {
		if w.rng.Float64() < 0.02 {
			out.NextTokenIDs[i] = w.eosToken
			continue
		}
		out.NextTokenIDs[i] = int32(w.rng.Intn(w.vocabSize - 1))
	}
	return out, nil
}

func (w *syntheticWorker) ForwardBatchEmbedding(_ context.Context, batch *scheduler.ScheduleBatch) (scheduler.ForwardEmbeddingOutput, error) {
	out := scheduler.ForwardEmbeddingOutput{Embeddings: make([][]float32, len(batch.Reqs))}
	for i := range out.Embeddings {
		vec := make([]float32, 8)
		for j := range vec {
			vec[j] = w.rng.Float32()
		}
		out.Embeddings[i] = vec
	}
	return out, nil
}

func (w *syntheticWorker) GetTokenAndMemoryInfo(_ context.Context) (scheduler.TokenAndMemoryInfo, error) {
	return scheduler.TokenAndMemoryInfo{
		MaxTotalNumTokens:  4096,
		MaxPrefillTokens:   8192,
		MaxRunningRequests: 64,
		MaxReqInputLen:     4000,
		Seed:               1,
	}, nil
}

func (w *syntheticWorker) UpdateWeights(_ context.Context, _ any) (bool, string, error) {
	return true, "synthetic worker ignores weight updates", nil
}
