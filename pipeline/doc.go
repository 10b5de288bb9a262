// Package pipeline implements the chunked LLM decode loop: it loads a
// pre-split set of compiled model fragments from disk, stitches them into
// one logical forward pass, keeps a striped K/V cache consistent across
// fragments, and streams generated tokens with per-token latency.
//
// # Reading Guide
//
// Start with these files to understand the core:
//   - fragment.go: Fragment, LayerRange, and multi-function entry point selection
//   - config.go: shape/configuration inference from the loaded fragment set
//   - cache.go: K/V cache buffers and the asynchronous cache updater
//   - pipeline.go: the Pipeline orchestrator and its Prefill/Generate loop
//
// # Architecture
//
// This package defines the Model interface (the opaque compiled artifact
// contract) and a small backend registry; concrete backends live in
// sibling packages and wire themselves in via init(). The sibling
// packages are:
//   - pipeline/backend/manifest: the reference backend used by tests,
//     fixtures, and the CLI demo
//   - pipeline/loader: directory discovery and Load()
//   - pipeline/sampler: LogitSampler implementations beyond the default
//     argmax-over-fragment policy
//   - pipeline/trace: per-step decision/latency trace recording
package pipeline
