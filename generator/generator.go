// Package generator wraps a pipeline.Pipeline with text in/text out: a
// pluggable Tokenizer turns prompt text into token ids before Predict
// and turns generated token ids back into text as they stream out,
// tracking per-token latency and overall throughput along the way.
package generator

import (
	"context"
	"errors"
	"time"

	"github.com/chunkrun/chunkrun/pipeline"
)

// Tokenizer is the external collaborator the pipeline itself never
// touches (spec §1): TextGenerator is the one place in this module that
// depends on one.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
	Decode(ids []int64) (string, error)
}

// Token is one streamed, decoded generation step. Text holds the
// tokenizer's decoding of every id in the session so far — the prompt's
// ids followed by every generated id — not just this step's new id
// (spec §2 component 6, §6): the text generator
// decodes the accumulated sequence at each step rather than emitting a
// delta, so a Tokenizer whose Decode is not a simple per-token
// concatenation (e.g. one that re-merges subword boundaries) still
// produces correct text at every step.
type Token struct {
	ID              int64
	Text            string
	LatencyMS       float64
	PromptLatencyMS *float64
}

// TextGenerator drives a Pipeline through a Tokenizer.
type TextGenerator struct {
	Pipeline  *pipeline.Pipeline
	Tokenizer Tokenizer
}

// New wraps an already-loaded Pipeline for text-in/text-out use.
func New(p *pipeline.Pipeline, tok Tokenizer) *TextGenerator {
	return &TextGenerator{Pipeline: p, Tokenizer: tok}
}

// Generate encodes prompt, starts a decode session, and returns a
// TextStream of decoded Tokens.
func (g *TextGenerator) Generate(ctx context.Context, prompt string, maxNewTokens int) (*TextStream, error) {
	if g.Tokenizer == nil {
		return nil, &pipeline.TokenizerUnavailableError{Cause: errors.New("no tokenizer configured")}
	}
	ids, err := g.Tokenizer.Encode(prompt)
	if err != nil {
		return nil, &pipeline.TokenizerUnavailableError{Cause: err}
	}
	stream, err := g.Pipeline.Predict(ctx, ids, maxNewTokens)
	if err != nil {
		return nil, err
	}
	return &TextStream{stream: stream, tok: g.Tokenizer, start: time.Now()}, nil
}

// TextStream decodes each Prediction as it arrives and accumulates
// throughput stats.
type TextStream struct {
	stream *pipeline.PredictionStream
	tok    Tokenizer

	start   time.Time
	emitted int
}

// Recv returns the next decoded Token, io.EOF when the session ends
// normally, or the terminal error otherwise — the same contract as
// pipeline.PredictionStream.Recv, one layer up.
func (s *TextStream) Recv(ctx context.Context) (*Token, error) {
	pred, err := s.stream.Recv(ctx)
	if err != nil {
		return nil, err
	}
	text, err := s.tok.Decode(pred.AllTokens)
	if err != nil {
		return nil, &pipeline.TokenizerUnavailableError{Cause: err}
	}
	s.emitted++
	return &Token{
		ID:              pred.NewToken,
		Text:            text,
		LatencyMS:       pred.LatencyMS,
		PromptLatencyMS: pred.PromptLatencyMS,
	}, nil
}

// TokensPerSecond reports throughput over the stream's lifetime so far:
// tokens emitted divided by wall time since Generate was called.
func (s *TextStream) TokensPerSecond() float64 {
	elapsed := time.Since(s.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.emitted) / elapsed
}
