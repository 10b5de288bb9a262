package pipeline

import "testing"

func buildConfigFixture() (embeddings, lmHead, block *Fragment) {
	emb := newFakeModel("embeddings")
	emb.entryPoints[""] = []TensorSpec{{Name: "input_ids", Shape: []int64{4}}}
	embeddings = &Fragment{ID: "embeddings", Role: RoleBlockChunk, Model: emb}

	head := newFakeModel("lm_head")
	head.outputs[""] = []TensorSpec{{Name: "logits", Shape: []int64{4, 5}}}
	lmHead = &Fragment{ID: "lm_head", Role: RoleBlockChunk, Model: head}

	blk := newFakeModel("block0")
	blk.entryPoints[""] = []TensorSpec{{Name: "k_cache_0", Shape: []int64{12, 64}}}
	block = &Fragment{ID: "block0", Role: RoleBlockChunk, Model: blk}
	return
}

func TestInferConfigDerivesScalarsFromDeclaredShapes(t *testing.T) {
	embeddings, lmHead, block := buildConfigFixture()

	cfg, err := InferConfig(embeddings, lmHead, block, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.InputLength != 4 {
		t.Fatalf("got InputLength %d, want 4", cfg.InputLength)
	}
	if cfg.VocabSize != 5 {
		t.Fatalf("got VocabSize %d, want 5", cfg.VocabSize)
	}
	if cfg.CacheLength != 12 {
		t.Fatalf("got CacheLength %d, want 12", cfg.CacheLength)
	}
	if cfg.ContextLength != 16 {
		t.Fatalf("got ContextLength %d, want 16", cfg.ContextLength)
	}
	if cfg.NumLayers != 2 {
		t.Fatalf("got NumLayers %d, want 2", cfg.NumLayers)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("derived config should validate cleanly: %v", err)
	}
}

func TestInferConfigAcceptsLogits0Alias(t *testing.T) {
	embeddings, lmHead, block := buildConfigFixture()
	lmHead.Model.(*fakeModel).outputs[""] = []TensorSpec{{Name: "logits_0", Shape: []int64{4, 5}}}

	cfg, err := InferConfig(embeddings, lmHead, block, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VocabSize != 5 {
		t.Fatalf("got VocabSize %d, want 5", cfg.VocabSize)
	}
}

func TestInferConfigRejectsZeroLayers(t *testing.T) {
	embeddings, lmHead, block := buildConfigFixture()

	_, err := InferConfig(embeddings, lmHead, block, 0)
	if err == nil {
		t.Fatal("expected an error for a zero layer count")
	}
	var serr *ShapeInconsistentError
	if !isShapeInconsistent(err, &serr) {
		t.Fatalf("expected *ShapeInconsistentError, got %T", err)
	}
}

func TestInferConfigRejectsMissingInputIds(t *testing.T) {
	embeddings, lmHead, block := buildConfigFixture()
	embeddings.Model.(*fakeModel).entryPoints[""] = nil

	if _, err := InferConfig(embeddings, lmHead, block, 1); err == nil {
		t.Fatal("expected an error when the embeddings fragment does not declare input_ids")
	}
}

func TestPipelineConfigValidateCatchesArithmeticMismatch(t *testing.T) {
	cfg := &PipelineConfig{NumLayers: 1, InputLength: 4, CacheLength: 12, ContextLength: 17}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to catch context_length != input_length + cache_length")
	}
}

func isShapeInconsistent(err error, target **ShapeInconsistentError) bool {
	se, ok := err.(*ShapeInconsistentError)
	if !ok {
		return false
	}
	*target = se
	return true
}
