package pipeline

import (
	"context"
	"fmt"
)

// LayerRange is a half-open [Start, End) range of transformer layer
// indices a block-chunk Fragment is responsible for. Across all block
// fragments these ranges must tile [0, L) exactly once, with no gap or
// overlap (spec §3).
type LayerRange struct {
	Start, End int
}

func (r LayerRange) Len() int { return r.End - r.Start }

// Fragment pairs an opaque Model with its declared role in the forward
// pass (spec §3).
type Fragment struct {
	ID    string
	Role  Role
	Range LayerRange // meaningful only for block fragments (Role tag RoleEmbeddings, RoleBlockChunk or RoleLMHead)
	Model Model
}

const (
	// EntryPrefill is the multi-function entry point accepting
	// input_length = B (the compile-time prefill batch).
	EntryPrefill = "prefill"
	// EntryGenerate is the multi-function entry point accepting
	// input_length = 1.
	EntryGenerate = "generate"
)

// SelectEntryPoint flips the active entry point on the Fragment's Model
// if it is a MultiFunctionModel. Single-function fragments (embeddings,
// LM head, cache updater, logit sampler) silently ignore this — they
// have exactly one shape contract.
func (f *Fragment) SelectEntryPoint(name string) error {
	mf, ok := f.Model.(MultiFunctionModel)
	if !ok {
		return nil
	}
	if err := mf.SelectEntryPoint(name); err != nil {
		return fmt.Errorf("fragment %q: select entry point %q: %w", f.ID, name, err)
	}
	return nil
}

// Predict runs the fragment's Model and wraps any failure as
// InferenceFailedError, attributing it to this fragment (spec §7).
func (f *Fragment) Predict(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	out, err := f.Model.Predict(ctx, inputs)
	if err != nil {
		return nil, &InferenceFailedError{FragmentID: f.ID, Cause: err}
	}
	return out, nil
}

// inputSpec returns the named input's TensorSpec, or false if the active
// entry point does not declare it.
func (f *Fragment) inputSpec(name string) (TensorSpec, bool) {
	for _, s := range f.Model.Inputs() {
		if s.Name == name {
			return s, true
		}
	}
	return TensorSpec{}, false
}

// outputSpec returns the named output's TensorSpec, or false if the
// active entry point does not declare it.
func (f *Fragment) outputSpec(name string) (TensorSpec, bool) {
	for _, s := range f.Model.Outputs() {
		if s.Name == name {
			return s, true
		}
	}
	return TensorSpec{}, false
}

// hasInput reports whether the fragment declares a given input name,
// used by the loader's authoritative role-detection pass (spec §4.1).
func (f *Fragment) hasInput(name string) bool {
	_, ok := f.inputSpec(name)
	return ok
}

// hasOutput reports whether the fragment declares a given output name.
func (f *Fragment) hasOutput(name string) bool {
	_, ok := f.outputSpec(name)
	return ok
}

// IsEmbeddingsBearing reports whether this fragment accepts input_ids,
// i.e. whether it is the block chunk that also performs the embedding
// lookup (spec §4.1's authoritative, as opposed to heuristic, role
// assignment).
func (f *Fragment) IsEmbeddingsBearing() bool {
	return f.hasInput("input_ids")
}

// IsLMHeadBearing reports whether this fragment produces a logits
// output, i.e. whether it is the block chunk that also performs the LM
// head projection.
func (f *Fragment) IsLMHeadBearing() bool {
	return f.hasOutput("logits") || f.hasOutput("logits_0")
}
