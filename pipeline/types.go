package pipeline

import "fmt"

// Role identifies what part of the forward pass a Fragment realizes.
// The authoritative role assignment comes from a fragment's declared
// input/output names (see fragment.go); discovery order is only a
// heuristic hint.
type Role int

const (
	RoleUnknown Role = iota
	RoleEmbeddings
	RoleBlockChunk
	RoleLMHead
	RoleCacheUpdater
	RoleLogitSampler
)

func (r Role) String() string {
	switch r {
	case RoleEmbeddings:
		return "embeddings"
	case RoleBlockChunk:
		return "block_chunk"
	case RoleLMHead:
		return "lm_head"
	case RoleCacheUpdater:
		return "cache_updater"
	case RoleLogitSampler:
		return "logit_sampler"
	default:
		return "unknown"
	}
}

// DType is the element type of a Tensor.
type DType int

const (
	Float32 DType = iota
	Int64
)

// TensorSpec describes one declared input or output binding of a Model.
type TensorSpec struct {
	Name  string
	Shape []int64
	DType DType
}

// LastDim returns the last entry of Shape, or an error if Shape is empty
// or its last entry is not a positive (static) size.
// §4.2 derives every inferred configuration scalar from "the last
// dimension" of a named tensor; this is the one place that reads it.
func (s TensorSpec) LastDim() (int64, error) {
	if len(s.Shape) == 0 {
		return 0, fmt.Errorf("tensor %q: shape is empty, cannot read last dimension", s.Name)
	}
	d := s.Shape[len(s.Shape)-1]
	if d <= 0 {
		return 0, fmt.Errorf("tensor %q: last dimension is non-static (%d)", s.Name, d)
	}
	return d, nil
}

// Tensor is a dense, row-major tensor. Two Tensor values referencing the
// same backing slice observe each other's in-place writes without a
// copy — this is the property the K/V cache relies on (spec §4.3, §9):
// cache buffers are handed to both the block fragments that read them
// and the cache updater that writes them as the *same* Tensor, so a
// cache-updater write is visible to the next step's reads with no
// explicit publish barrier. Go slice aliasing gives us that guarantee
// for free; a backend that cannot guarantee in-place mutation on some
// accelerator would need to insert a barrier or copy instead (this repo's
// reference backend does neither: pipeline/backend/manifest's
// cacheUpdaterModel writes into the shared buffers in place).
type Tensor struct {
	Shape []int64
	DType DType
	F     []float32 // valid when DType == Float32
	I     []int64   // valid when DType == Int64
}

// NewFloatTensor wraps data as a Float32 tensor of the given shape.
func NewFloatTensor(shape []int64, data []float32) *Tensor {
	return &Tensor{Shape: shape, DType: Float32, F: data}
}

// NewIntTensor wraps data as an Int64 tensor of the given shape.
func NewIntTensor(shape []int64, data []int64) *Tensor {
	return &Tensor{Shape: shape, DType: Int64, I: data}
}

// ZerosFloat allocates a zero-filled Float32 tensor of the given shape.
func ZerosFloat(shape ...int64) *Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return NewFloatTensor(shape, make([]float32, n))
}

// Scalar wraps a single int64 value as a rank-0 Int64 tensor, used for
// cache_offset and similar scalar fragment inputs.
func Scalar(v int64) *Tensor {
	return NewIntTensor(nil, []int64{v})
}

// Clone returns a deep copy. Used by tests and by callers that must not
// observe further mutation of a cache row after reading it.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: append([]int64(nil), t.Shape...), DType: t.DType}
	if t.F != nil {
		c.F = append([]float32(nil), t.F...)
	}
	if t.I != nil {
		c.I = append([]int64(nil), t.I...)
	}
	return c
}

// State is the per-call lifecycle of a Pipeline (spec §4.6).
type State int

const (
	StateIdle State = iota
	StatePrefill
	StateGenerate
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefill:
		return "prefill"
	case StateGenerate:
		return "generate"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Prediction is one streamed decode step (spec §3, §6).
type Prediction struct {
	NewToken        int64
	AllTokens       []int64
	LatencyMS       float64
	PromptLatencyMS *float64 // set only on the first emitted prediction
}
