package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Model is a thin wrapper around one compiled network artifact on disk.
// The artifact itself is opaque (spec §1); the pipeline only ever touches
// it through this contract: declared input/output bindings, a predict
// call, and a load/unload lifecycle (spec §2 component 1, §4.1).
type Model interface {
	// Name identifies the artifact for logging and error attribution.
	Name() string

	// Inputs/Outputs describe the bindings of the currently active entry
	// point. For a MultiFunctionModel these change shape after
	// SelectEntryPoint.
	Inputs() []TensorSpec
	Outputs() []TensorSpec

	// Load/Unload manage the on-disk artifact's residency. Fragments are
	// loaded eagerly on first use (spec §3); Load must be idempotent if
	// called again while already loaded.
	Load(ctx context.Context) error
	Unload() error

	// Predict runs one forward pass of the currently active entry point.
	Predict(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
}

// MultiFunctionModel is implemented by a block-chunk Model that advertises
// two entry points over the same weights: "prefill" (input_length = B)
// and "generate" (input_length = 1). Selecting the entry point is a
// single bit of per-step state (spec §9); the pipeline never threads it
// through call sites, it only flips it on the Model before each step.
type MultiFunctionModel interface {
	Model
	EntryPoints() []string
	SelectEntryPoint(name string) error
	ActiveEntryPoint() string
}

// Opener constructs a Model from one on-disk artifact path. Concrete
// backends register an Opener under a backend name; the loader resolves
// that name (from a manifest sidecar, or the registry's sole entry when
// there is exactly one backend registered) without importing the backend
// package directly. This mirrors the teacher's sim/kv and sim/latency
// register.go pattern: the interface and registry live in the owning
// package, implementations wire themselves in via init().
type Opener func(path string) (Model, error)

var (
	backendMu       sync.RWMutex
	backendRegistry = map[string]Opener{}
)

// RegisterBackend makes a Model backend available to loader.Load by name.
// Called from a backend package's init(); panics on a duplicate name
// since that indicates two backends compiled into the same binary
// disagreeing about who owns it, a build-time programming error rather
// than a runtime condition to recover from.
func RegisterBackend(name string, open Opener) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if _, exists := backendRegistry[name]; exists {
		panic(fmt.Sprintf("pipeline: backend %q registered twice", name))
	}
	backendRegistry[name] = open
}

// OpenModel resolves a registered backend by name and opens path with it.
func OpenModel(backend, path string) (Model, error) {
	backendMu.RLock()
	open, ok := backendRegistry[backend]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pipeline: no backend registered under %q (forgot to import its package for side effects?)", backend)
	}
	return open(path)
}

// DefaultBackend returns the sole registered backend's name. It errors if
// zero or more than one backend is registered, since then the caller
// must disambiguate explicitly via a manifest sidecar.
func DefaultBackend() (string, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	switch len(backendRegistry) {
	case 0:
		return "", fmt.Errorf("pipeline: no Model backend registered (import a backend package, e.g. pipeline/backend/manifest)")
	case 1:
		for name := range backendRegistry {
			return name, nil
		}
	}
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	return "", fmt.Errorf("pipeline: multiple backends registered %v, specify one explicitly", names)
}
