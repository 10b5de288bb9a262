package pipeline

import "context"

// SamplerState is pipeline-owned auxiliary state threaded through
// successive LogitSampler.Sample calls, passed by value (spec §5 "the
// sampler state is owned by the pipeline and passed by value into the
// sampler fragment"). The zero value is the correct starting state for
// every shipped sampler. Extra carries the "sampler-state tensor" spec
// §4.5/§9 calls out as the seam richer policies (temperature, top-p,
// top-k) plug into without any pipeline change.
type SamplerState struct {
	Extra *Tensor
}

// LogitSampler turns a final hidden state or raw logits tensor into one
// selected token id, plus updated sampler state (spec §2 component 4,
// §4.5). The default policy is argmax; FragmentSampler below delegates
// to the on-disk logit_sampler fragment, which implements argmax in the
// reference backend. pipeline/sampler ships pure-Go alternatives that
// bypass the fragment entirely.
type LogitSampler interface {
	Sample(ctx context.Context, logits *Tensor, state SamplerState) (tokenID int64, next SamplerState, err error)
}

// FragmentSampler adapts the discovered logit_sampler Fragment (spec §6:
// input "logits", output "next_token") to the LogitSampler interface.
// This is the pipeline's default sampler: it defers the numeric policy
// to whatever the compiled artifact implements, which per spec is
// argmax.
type FragmentSampler struct {
	fragment *Fragment
}

// NewFragmentSampler wraps a discovered RoleLogitSampler fragment.
func NewFragmentSampler(fragment *Fragment) *FragmentSampler {
	return &FragmentSampler{fragment: fragment}
}

func (s *FragmentSampler) Sample(ctx context.Context, logits *Tensor, state SamplerState) (int64, SamplerState, error) {
	inputs := map[string]*Tensor{"logits": logits}
	if state.Extra != nil {
		inputs["sampler_state"] = state.Extra
	}
	out, err := s.fragment.Predict(ctx, inputs)
	if err != nil {
		return 0, state, err
	}
	next, ok := out["next_token"]
	if !ok || len(next.I) == 0 {
		return 0, state, &InferenceFailedError{FragmentID: s.fragment.ID, Cause: errMissingNextToken}
	}
	return next.I[0], state, nil
}

var errMissingNextToken = &ShapeInconsistentError{Reason: "logit_sampler fragment did not produce a next_token output"}
