package pipeline

import (
	"context"
	"errors"
	"testing"
)

func TestFragmentIsEmbeddingsBearing(t *testing.T) {
	m := newFakeModel("block0")
	m.entryPoints[""] = []TensorSpec{{Name: "input_ids", Shape: []int64{4}}}
	f := &Fragment{ID: "block0", Role: RoleBlockChunk, Model: m}

	if !f.IsEmbeddingsBearing() {
		t.Fatal("expected a fragment declaring input_ids to be embeddings-bearing")
	}
	if f.IsLMHeadBearing() {
		t.Fatal("did not expect an embeddings-only fragment to be LM-head-bearing")
	}
}

func TestFragmentIsLMHeadBearing(t *testing.T) {
	m := newFakeModel("blockN")
	m.outputs[""] = []TensorSpec{{Name: "logits", Shape: []int64{4, 32000}}}
	f := &Fragment{ID: "blockN", Role: RoleBlockChunk, Model: m}

	if !f.IsLMHeadBearing() {
		t.Fatal("expected a fragment declaring logits to be LM-head-bearing")
	}
}

func TestFragmentIsLMHeadBearingAcceptsLogits0Alias(t *testing.T) {
	m := newFakeModel("blockN")
	m.outputs[""] = []TensorSpec{{Name: "logits_0", Shape: []int64{4, 32000}}}
	f := &Fragment{ID: "blockN", Role: RoleBlockChunk, Model: m}

	if !f.IsLMHeadBearing() {
		t.Fatal("expected logits_0 to also count as the LM-head output name")
	}
}

func TestFragmentCanBeBothEmbeddingsAndLMHeadBearing(t *testing.T) {
	// GIVEN the minimal three-fragment case where a single block fragment
	// does embeddings, all transformer layers, and the LM head
	m := newFakeModel("onlyblock")
	m.entryPoints[""] = []TensorSpec{{Name: "input_ids", Shape: []int64{4}}}
	m.outputs[""] = []TensorSpec{{Name: "logits", Shape: []int64{4, 32000}}}
	f := &Fragment{ID: "onlyblock", Role: RoleBlockChunk, Model: m}

	if !f.IsEmbeddingsBearing() || !f.IsLMHeadBearing() {
		t.Fatal("a single-valued Role could not represent this, but the capability methods must")
	}
}

func TestFragmentSelectEntryPointOnMultiFunctionModel(t *testing.T) {
	m := newFakeMultiFunctionModel("block0")
	m.entryPoints[EntryPrefill] = []TensorSpec{{Name: "input_ids", Shape: []int64{4}}}
	m.entryPoints[EntryGenerate] = []TensorSpec{{Name: "input_ids", Shape: []int64{1}}}
	f := &Fragment{ID: "block0", Role: RoleBlockChunk, Model: m}

	if err := f.SelectEntryPoint(EntryGenerate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ActiveEntryPoint() != EntryGenerate {
		t.Fatalf("got active entry point %q, want %q", m.ActiveEntryPoint(), EntryGenerate)
	}
}

func TestFragmentSelectEntryPointIgnoredOnSingleFunctionModel(t *testing.T) {
	// GIVEN a fragment whose Model is not a MultiFunctionModel (e.g. the
	// cache updater or logit sampler)
	f := &Fragment{ID: "cache_updater", Role: RoleCacheUpdater, Model: newFakeModel("cache_updater")}

	// THEN selecting an entry point on it is a silent no-op
	if err := f.SelectEntryPoint(EntryPrefill); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestFragmentPredictWrapsFailureAsInferenceFailedError(t *testing.T) {
	m := newFakeModel("block0")
	m.predictErr = errors.New("boom")
	f := &Fragment{ID: "block0", Model: m}

	_, err := f.Predict(context.Background(), nil)
	var ierr *InferenceFailedError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected *InferenceFailedError, got %T: %v", err, err)
	}
	if ierr.FragmentID != "block0" {
		t.Fatalf("got FragmentID %q, want %q", ierr.FragmentID, "block0")
	}
	if !errors.Is(err, m.predictErr) {
		t.Fatal("expected the wrapped cause to be unwrappable")
	}
}
