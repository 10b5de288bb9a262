package pipeline

import "fmt"

// PipelineConfig holds the scalar facts derived by probing the loaded
// fragment set (spec §2 component 2, §4.2).
type PipelineConfig struct {
	VocabSize     int64
	InputLength   int64 // per-step query length (a.k.a. prefill chunk size)
	CacheLength   int64 // context_length - input_length
	ContextLength int64 // input_length + cache_length
	NumLayers     int   // L: layer count across the block-fragment set
	KVWidth       int64 // head_dim * n_kv_heads, per §3

	// Ambient, fragment-declared metadata (§4.6 prefill padding, §6
	// on-disk contract) with documented fallback defaults when absent.
	PadTokenID  int64
	BOSTokenID  int64
	EOSTokenIDs []int64
}

// findLastDim looks up name in specs and returns its TensorSpec.LastDim.
func findLastDim(specs []TensorSpec, name string) (int64, error) {
	for _, s := range specs {
		if s.Name == name {
			return s.LastDim()
		}
	}
	return 0, fmt.Errorf("tensor %q not declared", name)
}

// InferConfig derives a PipelineConfig from the embeddings and LM-head
// fragments (for input_length/vocab_size) and the first block fragment
// (for cache_length), per spec §4.2. It assumes every multi-function
// fragment's active entry point is already "prefill"; the loader does
// not select one itself, it relies on the backend opening block chunks
// on "prefill" (as pipeline/backend/manifest does). Exported for
// pipeline/loader, which discovers the fragment set and calls this to
// turn it into a Pipeline.
func InferConfig(embeddings, lmHead, firstBlock *Fragment, numLayers int) (*PipelineConfig, error) {
	inputLength, err := findLastDim(embeddings.Model.Inputs(), "input_ids")
	if err != nil {
		return nil, &ShapeInconsistentError{Reason: fmt.Sprintf("embeddings fragment %q: %v", embeddings.ID, err)}
	}

	vocabSize, err := findLastDim(lmHead.Model.Outputs(), "logits")
	if err != nil {
		vocabSize, err = findLastDim(lmHead.Model.Outputs(), "logits_0")
	}
	if err != nil {
		return nil, &ShapeInconsistentError{Reason: fmt.Sprintf("lm_head fragment %q: no logits output: %v", lmHead.ID, err)}
	}

	cacheLength, err := findLastDim(firstBlock.Model.Inputs(), "k_cache_0")
	if err != nil {
		return nil, &ShapeInconsistentError{Reason: fmt.Sprintf("block fragment %q: %v", firstBlock.ID, err)}
	}

	kvWidth := int64(0)
	if spec, ok := firstBlock.inputSpec("k_cache_0"); ok && len(spec.Shape) >= 2 {
		kvWidth = spec.Shape[len(spec.Shape)-2]
	}

	if numLayers <= 0 {
		return nil, &ShapeInconsistentError{Reason: fmt.Sprintf("layer count L must be > 0, got %d", numLayers)}
	}

	cfg := &PipelineConfig{
		VocabSize:     vocabSize,
		InputLength:   inputLength,
		CacheLength:   cacheLength,
		ContextLength: inputLength + cacheLength,
		NumLayers:     numLayers,
		KVWidth:       kvWidth,
	}
	return cfg, nil
}

// validate re-checks the invariants spec §8 pins: context_length =
// input_length + cache_length and L > 0. Called by NewPipeline and again
// defensively at the start of every Pipeline.Predict call.
func (c *PipelineConfig) validate() error {
	if c.NumLayers <= 0 {
		return &ShapeInconsistentError{Reason: "L must be > 0"}
	}
	if c.ContextLength != c.InputLength+c.CacheLength {
		return &ShapeInconsistentError{Reason: fmt.Sprintf(
			"context_length (%d) != input_length (%d) + cache_length (%d)",
			c.ContextLength, c.InputLength, c.CacheLength)}
	}
	return nil
}
