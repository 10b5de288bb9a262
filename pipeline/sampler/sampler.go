// Package sampler ships LogitSampler policies that run in pure Go
// instead of delegating to the on-disk logit_sampler fragment (spec
// §4.5/§9: "the interface accepts a sampler-state tensor so that
// temperature/top-p/top-k variants can be introduced without changing
// the pipeline"). It imports pipeline, never the reverse, so wiring in
// an alternate sampler never risks an import cycle with the Pipeline
// that holds one.
package sampler

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/chunkrun/chunkrun/pipeline"
)

// ArgmaxSampler picks the highest-scoring logit deterministically. It is
// the pure-Go equivalent of the reference backend's logit_sampler
// fragment's behavior, useful when a fragment set ships without its own
// sampler and argmax is still the desired default.
type ArgmaxSampler struct{}

func (ArgmaxSampler) Sample(_ context.Context, logits *pipeline.Tensor, state pipeline.SamplerState) (int64, pipeline.SamplerState, error) {
	best := 0
	for i, v := range logits.F {
		if v > logits.F[best] {
			best = i
		}
	}
	return int64(best), state, nil
}

// TemperatureSampler divides logits by Temperature, restricts the
// candidate set to the TopK highest-scoring entries, and samples from
// the resulting softmax distribution. SamplerState.Extra.I[0] carries
// the PCG seed for the next draw, so successive calls advance one
// logical random sequence instead of reseeding every step; use
// NewSamplerState to produce the first one.
type TemperatureSampler struct {
	Temperature float64
	TopK        int
}

// NewSamplerState seeds a SamplerState for use with TemperatureSampler.
func NewSamplerState(seed uint64) pipeline.SamplerState {
	return pipeline.SamplerState{Extra: &pipeline.Tensor{I: []int64{int64(seed)}}}
}

func (s TemperatureSampler) Sample(_ context.Context, logits *pipeline.Tensor, state pipeline.SamplerState) (int64, pipeline.SamplerState, error) {
	temp := s.Temperature
	if temp <= 0 {
		temp = 1
	}
	topK := s.TopK
	if topK <= 0 || topK > len(logits.F) {
		topK = len(logits.F)
	}

	type scored struct {
		idx int
		v   float32
	}
	scores := make([]scored, len(logits.F))
	for i, v := range logits.F {
		scores[i] = scored{i, v / float32(temp)}
	}
	for i := 0; i < topK; i++ {
		max := i
		for j := i + 1; j < len(scores); j++ {
			if scores[j].v > scores[max].v {
				max = j
			}
		}
		scores[i], scores[max] = scores[max], scores[i]
	}
	top := scores[:topK]

	maxV := top[0].v
	weights := make([]float64, len(top))
	sum := 0.0
	for i, sc := range top {
		w := math.Exp(float64(sc.v - maxV))
		weights[i] = w
		sum += w
	}

	seed := uint64(1)
	if state.Extra != nil && len(state.Extra.I) > 0 {
		seed = uint64(state.Extra.I[0])
	}
	src := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	r := src.Float64() * sum

	chosen := top[len(top)-1].idx
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			chosen = top[i].idx
			break
		}
	}

	next := pipeline.SamplerState{Extra: &pipeline.Tensor{I: []int64{int64(src.Uint64())}}}
	return int64(chosen), next, nil
}
