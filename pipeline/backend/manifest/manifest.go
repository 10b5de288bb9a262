// Package manifest is the reference pipeline.Model backend: each
// fragment is described by a small YAML file (name, role, declared
// shapes, a seed) instead of a real compiled artifact, so the pipeline,
// loader and tests can exercise the whole decode loop deterministically
// without any actual model weights. It wires itself into the pipeline
// package's backend registry via init(), the same pattern the teacher
// uses for sim/kv and sim/latency (register.go).
//
// It is also the seam a real ONNX/CoreML/GGUF backend would occupy:
// anything satisfying pipeline.Model (or pipeline.MultiFunctionModel for
// block chunks) can register under its own name and the loader picks it
// up the same way.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chunkrun/chunkrun/pipeline"
)

func init() {
	pipeline.RegisterBackend("manifest", Open)
}

type diskSpec struct {
	Kind        string                    `yaml:"kind"`
	Name        string                    `yaml:"name"`
	Layers      int                       `yaml:"layers"`
	HiddenSize  int64                     `yaml:"hidden_size"`
	KVWidth     int64                     `yaml:"kv_width"`
	CacheLength int64                     `yaml:"cache_length"`
	VocabSize   int64                     `yaml:"vocab_size"`
	Embeddings  bool                      `yaml:"embeddings"`
	Seed        int64                     `yaml:"seed"`
	EntryPoints map[string]entryPointSpec `yaml:"entry_points"`
}

type entryPointSpec struct {
	InputLength int64 `yaml:"input_length"`
}

// Open parses the fragment description at path and builds the matching
// Model implementation. kind selects which one: "block_chunk",
// "cache_updater", or "logit_sampler".
func Open(path string) (pipeline.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d diskSpec
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("manifest backend: parse %s: %w", path, err)
	}
	if d.Name == "" {
		d.Name = filepath.Base(path)
	}

	switch d.Kind {
	case "cache_updater":
		return &cacheUpdaterModel{name: d.Name}, nil
	case "logit_sampler":
		return &samplerModel{name: d.Name, vocabSize: d.VocabSize}, nil
	case "block_chunk":
		entryPoints := make(map[string]int64, len(d.EntryPoints))
		for name, ep := range d.EntryPoints {
			entryPoints[name] = ep.InputLength
		}
		if len(entryPoints) == 0 {
			return nil, fmt.Errorf("manifest backend: %s declares no entry_points", path)
		}
		active := pipeline.EntryPrefill
		if _, ok := entryPoints[active]; !ok {
			for name := range entryPoints {
				active = name
				break
			}
		}
		return &blockModel{
			name:        d.Name,
			layers:      d.Layers,
			hiddenSize:  d.HiddenSize,
			kvWidth:     d.KVWidth,
			cacheLength: d.CacheLength,
			vocabSize:   d.VocabSize,
			embeddings:  d.Embeddings,
			seed:        d.Seed,
			entryPoints: entryPoints,
			active:      active,
		}, nil
	default:
		return nil, fmt.Errorf("manifest backend: %s: unknown kind %q", path, d.Kind)
	}
}

// detval is a deterministic pseudo-random float32 in [-1, 1], a stand-in
// for actual learned weights. It is a plain hash over its coordinates,
// not a statistical PRNG: the reference backend only needs reproducible
// numbers, not good ones.
func detval(seed int64, coords ...int64) float32 {
	h := uint64(seed)*2654435761 + 0x9e3779b97f4a7c15
	for _, c := range coords {
		h ^= uint64(c) * 1099511628211
		h = h*6364136223846793005 + 1442695040888963407
	}
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return float32(h%2000001)/1000000 - 1
}

// blockModel is the reference implementation of a transformer block
// chunk: optionally embeddings-bearing (accepts input_ids instead of
// hidden_in) and optionally LM-head-bearing (additionally produces
// logits), selected by the embeddings/vocab_size fields of its YAML
// description, exactly mirroring how a real compiled chunk's declared
// I/O names drive spec §4.1's role detection.
type blockModel struct {
	mu sync.Mutex

	name        string
	layers      int
	hiddenSize  int64
	kvWidth     int64
	cacheLength int64
	vocabSize   int64
	embeddings  bool
	seed        int64
	entryPoints map[string]int64 // entry point name -> input_length
	active      string
}

func (m *blockModel) Name() string { return m.name }

func (m *blockModel) EntryPoints() []string {
	names := make([]string, 0, len(m.entryPoints))
	for n := range m.entryPoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *blockModel) SelectEntryPoint(name string) error {
	if _, ok := m.entryPoints[name]; !ok {
		return fmt.Errorf("block %q: unknown entry point %q", m.name, name)
	}
	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
	return nil
}

func (m *blockModel) ActiveEntryPoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *blockModel) activeInputLength() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryPoints[m.active]
}

func (m *blockModel) Inputs() []pipeline.TensorSpec {
	inputLength := m.activeInputLength()
	specs := make([]pipeline.TensorSpec, 0, 2+2*m.layers)
	if m.embeddings {
		specs = append(specs, pipeline.TensorSpec{Name: "input_ids", Shape: []int64{inputLength}, DType: pipeline.Int64})
	} else {
		specs = append(specs, pipeline.TensorSpec{Name: "hidden_in", Shape: []int64{inputLength, m.hiddenSize}, DType: pipeline.Float32})
	}
	for i := 0; i < m.layers; i++ {
		specs = append(specs,
			pipeline.TensorSpec{Name: fmt.Sprintf("k_cache_%d", i), Shape: []int64{m.kvWidth, m.cacheLength}, DType: pipeline.Float32},
			pipeline.TensorSpec{Name: fmt.Sprintf("v_cache_%d", i), Shape: []int64{m.kvWidth, m.cacheLength}, DType: pipeline.Float32},
		)
	}
	specs = append(specs, pipeline.TensorSpec{Name: "cache_offset", Shape: []int64{1}, DType: pipeline.Int64})
	return specs
}

func (m *blockModel) Outputs() []pipeline.TensorSpec {
	inputLength := m.activeInputLength()
	specs := make([]pipeline.TensorSpec, 0, 2+2*m.layers)
	specs = append(specs, pipeline.TensorSpec{Name: "hidden_out", Shape: []int64{inputLength, m.hiddenSize}, DType: pipeline.Float32})
	for i := 0; i < m.layers; i++ {
		specs = append(specs,
			pipeline.TensorSpec{Name: fmt.Sprintf("k_new_%d", i), Shape: []int64{inputLength, m.kvWidth}, DType: pipeline.Float32},
			pipeline.TensorSpec{Name: fmt.Sprintf("v_new_%d", i), Shape: []int64{inputLength, m.kvWidth}, DType: pipeline.Float32},
		)
	}
	if m.vocabSize > 0 {
		specs = append(specs, pipeline.TensorSpec{Name: "logits", Shape: []int64{inputLength, m.vocabSize}, DType: pipeline.Float32})
	}
	return specs
}

func (m *blockModel) Load(context.Context) error { return nil }
func (m *blockModel) Unload() error               { return nil }

func (m *blockModel) Predict(_ context.Context, inputs map[string]*pipeline.Tensor) (map[string]*pipeline.Tensor, error) {
	inputLength := m.activeInputLength()
	hidden := make([]float32, inputLength*m.hiddenSize)

	if m.embeddings {
		ids := inputs["input_ids"]
		if ids == nil || int64(len(ids.I)) != inputLength {
			return nil, fmt.Errorf("block %q: input_ids missing or wrong length", m.name)
		}
		for row := int64(0); row < inputLength; row++ {
			tok := ids.I[row]
			for d := int64(0); d < m.hiddenSize; d++ {
				hidden[row*m.hiddenSize+d] = detval(m.seed, tok, d)
			}
		}
	} else {
		in := inputs["hidden_in"]
		if in == nil || int64(len(in.F)) != inputLength*m.hiddenSize {
			return nil, fmt.Errorf("block %q: hidden_in missing or wrong shape", m.name)
		}
		copy(hidden, in.F)
	}

	offset := int64(0)
	if t := inputs["cache_offset"]; t != nil && len(t.I) > 0 {
		offset = t.I[0]
	}

	out := make(map[string]*pipeline.Tensor, 2+2*m.layers+1)

	for l := 0; l < m.layers; l++ {
		kNew := make([]float32, inputLength*m.kvWidth)
		vNew := make([]float32, inputLength*m.kvWidth)
		for row := int64(0); row < inputLength; row++ {
			h := hidden[row*m.hiddenSize+(int64(l)%m.hiddenSize)]
			for w := int64(0); w < m.kvWidth; w++ {
				kNew[row*m.kvWidth+w] = h*0.5 + detval(m.seed, int64(l), offset+row, w, 1)
				vNew[row*m.kvWidth+w] = h*0.5 + detval(m.seed, int64(l), offset+row, w, 2)
			}
		}
		out[fmt.Sprintf("k_new_%d", l)] = pipeline.NewFloatTensor([]int64{inputLength, m.kvWidth}, kNew)
		out[fmt.Sprintf("v_new_%d", l)] = pipeline.NewFloatTensor([]int64{inputLength, m.kvWidth}, vNew)

		next := make([]float32, len(hidden))
		for i, v := range hidden {
			next[i] = v*0.5 + detval(m.seed, int64(l), int64(i), 3)
		}
		hidden = next
	}

	out["hidden_out"] = pipeline.NewFloatTensor([]int64{inputLength, m.hiddenSize}, hidden)

	if m.vocabSize > 0 {
		logits := make([]float32, inputLength*m.vocabSize)
		for row := int64(0); row < inputLength; row++ {
			for v := int64(0); v < m.vocabSize; v++ {
				sum := float32(0)
				for d := int64(0); d < m.hiddenSize; d++ {
					sum += hidden[row*m.hiddenSize+d] * detval(m.seed, v, d)
				}
				logits[row*m.vocabSize+v] = sum
			}
		}
		out["logits"] = pipeline.NewFloatTensor([]int64{inputLength, m.vocabSize}, logits)
	}

	return out, nil
}

// cacheUpdaterModel writes k_new/v_new into k_cache/v_cache at
// cache_offset in place, exactly the mutation the pipeline relies on to
// make a cache write visible to the next step with no copy (spec §4.3,
// §9; pipeline/types.go's Tensor doc comment). Idempotent on a
// zero-row k_new/v_new since copying zero rows is a no-op (spec §4.4).
type cacheUpdaterModel struct {
	name string
}

func (m *cacheUpdaterModel) Name() string { return m.name }

func (m *cacheUpdaterModel) Inputs() []pipeline.TensorSpec {
	return []pipeline.TensorSpec{
		{Name: "k_cache", DType: pipeline.Float32},
		{Name: "v_cache", DType: pipeline.Float32},
		{Name: "k_new", DType: pipeline.Float32},
		{Name: "v_new", DType: pipeline.Float32},
		{Name: "cache_offset", DType: pipeline.Int64},
	}
}

func (m *cacheUpdaterModel) Outputs() []pipeline.TensorSpec { return nil }
func (m *cacheUpdaterModel) Load(context.Context) error     { return nil }
func (m *cacheUpdaterModel) Unload() error                  { return nil }

func (m *cacheUpdaterModel) Predict(_ context.Context, inputs map[string]*pipeline.Tensor) (map[string]*pipeline.Tensor, error) {
	kCache, vCache := inputs["k_cache"], inputs["v_cache"]
	kNew, vNew := inputs["k_new"], inputs["v_new"]
	offsetT := inputs["cache_offset"]
	if kCache == nil || vCache == nil || kNew == nil || vNew == nil || offsetT == nil || len(offsetT.I) == 0 {
		return nil, fmt.Errorf("cache_updater %q: missing required input", m.name)
	}
	width := kCache.Shape[len(kCache.Shape)-1]
	if width == 0 {
		return nil, fmt.Errorf("cache_updater %q: k_cache has zero width", m.name)
	}
	rows := int64(len(kNew.F)) / width
	offset := offsetT.I[0]
	lo, hi := offset*width, (offset+rows)*width
	copy(kCache.F[lo:hi], kNew.F)
	copy(vCache.F[lo:hi], vNew.F)
	return map[string]*pipeline.Tensor{}, nil
}

// samplerModel is the argmax reference logit_sampler fragment.
type samplerModel struct {
	name      string
	vocabSize int64
}

func (m *samplerModel) Name() string { return m.name }

func (m *samplerModel) Inputs() []pipeline.TensorSpec {
	return []pipeline.TensorSpec{{Name: "logits", Shape: []int64{m.vocabSize}, DType: pipeline.Float32}}
}

func (m *samplerModel) Outputs() []pipeline.TensorSpec {
	return []pipeline.TensorSpec{{Name: "next_token", Shape: []int64{1}, DType: pipeline.Int64}}
}

func (m *samplerModel) Load(context.Context) error { return nil }
func (m *samplerModel) Unload() error               { return nil }

func (m *samplerModel) Predict(_ context.Context, inputs map[string]*pipeline.Tensor) (map[string]*pipeline.Tensor, error) {
	logits := inputs["logits"]
	if logits == nil || len(logits.F) == 0 {
		return nil, fmt.Errorf("logit_sampler %q: missing logits input", m.name)
	}
	best := 0
	for i, v := range logits.F {
		if v > logits.F[best] {
			best = i
		}
	}
	return map[string]*pipeline.Tensor{"next_token": pipeline.NewIntTensor([]int64{1}, []int64{int64(best)})}, nil
}
