package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chunkrun/chunkrun/pipeline/trace"
)

// Pipeline drives the chunked decode loop over an ordered set of
// block-chunk Fragments, a cache updater, and a logit sampler (spec §2
// component 5). Blocks[0] is embeddings-bearing (it accepts
// input_ids instead of hidden_in) and Blocks[len-1] is LM-head-bearing
// (it additionally produces logits alongside hidden_out) — per spec §4.1
// this is established authoritatively from declared tensor names, not
// merely from discovery order.
//
// A Pipeline is built once per loaded fragment set and reused across
// many decode sessions; each call to Predict resets the K/V cache and
// starts a fresh session (spec §4.6's construction -> idle -> prefill ->
// generate(*) -> done|cancelled|failed lifecycle).
type Pipeline struct {
	SessionID    uuid.UUID
	Blocks       []*Fragment
	CacheUpdater *CacheUpdater
	Sampler      LogitSampler
	Config       *PipelineConfig
	Cache        *KVCache
	Trace        *trace.Recorder

	mu           sync.Mutex
	state        State
	allTokens    []int64
	samplerState SamplerState
}

// NewPipeline assembles a Pipeline from its discovered parts. blocks
// must be ordered by LayerRange.Start and tile [0, cfg.NumLayers) with
// no gap or overlap; the loader enforces that before calling this.
func NewPipeline(blocks []*Fragment, cacheUpdater *Fragment, sampler LogitSampler, cfg *PipelineConfig) (*Pipeline, error) {
	if len(blocks) == 0 {
		return nil, &ShapeInconsistentError{Reason: "pipeline has no block-chunk fragments"}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		SessionID:    uuid.New(),
		Blocks:       blocks,
		CacheUpdater: NewCacheUpdater(cacheUpdater),
		Sampler:      sampler,
		Config:       cfg,
		Cache:        NewKVCache(cfg.NumLayers, cfg.ContextLength, cfg.KVWidth),
		Trace:        trace.NewRecorder(4096),
		state:        StateIdle,
	}, nil
}

// State reports the Pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reset returns the Pipeline to its idle state: the K/V cache, cursor,
// token history and sampler state are all cleared (spec §6). A Pipeline
// can be reused for a new session immediately after.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cache.Reset()
	p.allTokens = nil
	p.samplerState = SamplerState{}
	p.state = StateIdle
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// checkOverflow reports ContextOverflowError if advancing the cursor by
// step positions would exceed ContextLength (spec §4.3, §8). See
// cache.go's doc comment for why ContextLength, not CacheLength, is the
// bound actually enforced.
func (p *Pipeline) checkOverflow(step int64) error {
	if p.Cache.Cursor+step > p.Config.ContextLength {
		return &ContextOverflowError{ContextLength: p.Config.ContextLength, Cursor: p.Cache.Cursor}
	}
	return nil
}

func (p *Pipeline) isEOS(tok int64) bool {
	for _, id := range p.Config.EOSTokenIDs {
		if id == tok {
			return true
		}
	}
	return false
}

func (p *Pipeline) snapshotTokens() []int64 {
	return append([]int64(nil), p.allTokens...)
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// Predict starts one decode session over promptIDs and returns a stream
// that yields up to maxNewTokens Predictions. The session runs on a
// background goroutine; Predict itself returns as soon as the session
// is validated and that goroutine is started.
//
// An empty promptIDs is the boundary case of spec §8: the pipeline
// substitutes the model's declared BOS id and proceeds exactly as if
// that had been the prompt.
func (p *Pipeline) Predict(ctx context.Context, promptIDs []int64, maxNewTokens int) (*PredictionStream, error) {
	p.mu.Lock()
	if p.state == StatePrefill || p.state == StateGenerate {
		p.mu.Unlock()
		return nil, fmt.Errorf("pipeline: session already in progress (state %s)", p.state)
	}
	p.mu.Unlock()

	if err := p.Config.validate(); err != nil {
		return nil, err
	}

	p.Reset()
	p.setState(StatePrefill)

	prompt := promptIDs
	if len(prompt) == 0 {
		prompt = []int64{p.Config.BOSTokenID}
	}
	p.allTokens = append([]int64(nil), prompt...)

	logrus.WithFields(logrus.Fields{
		"session":        p.SessionID,
		"prompt_tokens":  len(prompt),
		"max_new_tokens": maxNewTokens,
	}).Infof("pipeline: session starting")

	stream := newPredictionStream()
	go p.run(ctx, stream, prompt, maxNewTokens)
	return stream, nil
}

func (p *Pipeline) run(ctx context.Context, stream *PredictionStream, prompt []int64, maxNewTokens int) {
	defer stream.close()

	logits, promptLatencyMS, err := p.prefill(ctx, prompt)
	if err != nil {
		state := StateFailed
		if _, ok := err.(*CancelledError); ok {
			state = StateCancelled
		}
		p.finish(stream, state, err)
		return
	}

	p.setState(StateGenerate)

	emitted := 0
	if maxNewTokens > 0 {
		start := time.Now()
		tok, err := p.sampleAndAppend(ctx, logits)
		if err != nil {
			p.finish(stream, StateFailed, err)
			return
		}
		ms := promptLatencyMS + elapsedMS(start)
		pl := ms
		pred := &Prediction{NewToken: tok, AllTokens: p.snapshotTokens(), LatencyMS: ms, PromptLatencyMS: &pl}
		logrus.WithFields(logrus.Fields{"session": p.SessionID, "token": tok}).Infof("pipeline: first token")
		if !stream.emit(ctx, pred) {
			p.finish(stream, StateCancelled, &CancelledError{})
			return
		}
		emitted++
		if p.isEOS(tok) {
			p.finish(stream, StateDone, nil)
			return
		}
	}

	for emitted < maxNewTokens {
		select {
		case <-ctx.Done():
			p.finish(stream, StateCancelled, &CancelledError{})
			return
		default:
		}

		tok, latencyMS, err := p.generateStep(ctx)
		if err != nil {
			p.finish(stream, StateFailed, err)
			return
		}
		pred := &Prediction{NewToken: tok, AllTokens: p.snapshotTokens(), LatencyMS: latencyMS}
		if !stream.emit(ctx, pred) {
			p.finish(stream, StateCancelled, &CancelledError{})
			return
		}
		emitted++
		if p.isEOS(tok) {
			break
		}
	}
	p.finish(stream, StateDone, nil)
}

func (p *Pipeline) finish(stream *PredictionStream, state State, err error) {
	p.setState(state)
	switch {
	case err == nil:
		logrus.WithFields(logrus.Fields{"session": p.SessionID}).Infof("pipeline: session done")
	case state == StateCancelled:
		logrus.WithFields(logrus.Fields{"session": p.SessionID}).Warnf("pipeline: session cancelled")
		stream.fail(err)
	default:
		logrus.WithFields(logrus.Fields{"session": p.SessionID, "error": err}).Errorf("pipeline: session failed")
		stream.fail(err)
	}
}

// prefill runs the prompt through the block chain in fixed-size
// input_length chunks, left-padding the final short chunk with the
// declared pad token (spec §4.6). Every chunk runs the whole block chain,
// the LM-head-bearing final block included, but the logit sampler is not
// invoked for any chunk and only the last chunk's logits are kept: their
// final row is handed back for the caller to sample the first generated
// token from — no extra forward pass is spent producing it, since the final
// block fragment already emits logits as part of the same call that
// produces hidden_out (see DESIGN.md for why this differs from a literal
// reading of spec §8's worked cursor arithmetic).
func (p *Pipeline) prefill(ctx context.Context, prompt []int64) (*Tensor, float64, error) {
	start := time.Now()
	chunkSize := p.Config.InputLength
	var logits *Tensor
	stepIdx := 0
	for i := 0; i < len(prompt); i += int(chunkSize) {
		end := i + int(chunkSize)
		if end > len(prompt) {
			end = len(prompt)
		}
		raw := prompt[i:end]
		actualLen := int64(len(raw))
		if err := p.checkOverflow(actualLen); err != nil {
			return nil, 0, err
		}

		chunk := raw
		if actualLen < chunkSize {
			padded := make([]int64, chunkSize)
			pad := int(chunkSize - actualLen)
			for j := 0; j < pad; j++ {
				padded[j] = p.Config.PadTokenID
			}
			copy(padded[pad:], raw)
			chunk = padded
		}

		chunkStart := time.Now()
		lg, err := p.runStep(ctx, chunk, EntryPrefill, actualLen)
		if err != nil {
			return nil, 0, err
		}
		cursorBefore := p.Cache.Cursor
		p.Cache.Cursor += actualLen
		logits = lg

		p.Trace.Record(trace.StepRecord{
			Phase: "prefill", StepIndex: stepIdx, InputLength: actualLen,
			CursorBefore: cursorBefore, CursorAfter: p.Cache.Cursor,
			LatencyMS: elapsedMS(chunkStart),
		})
		logrus.WithFields(logrus.Fields{
			"session": p.SessionID, "chunk": stepIdx, "cursor": p.Cache.Cursor,
		}).Infof("pipeline: prefill chunk complete")
		stepIdx++

		select {
		case <-ctx.Done():
			return nil, 0, &CancelledError{}
		default:
		}
	}
	return sliceLastRow(logits, p.Config.VocabSize), elapsedMS(start), nil
}

// generateStep runs one single-token generate-entry-point step: advance
// the cursor by 1, sample the next token, record a trace entry.
func (p *Pipeline) generateStep(ctx context.Context) (int64, float64, error) {
	if err := p.checkOverflow(1); err != nil {
		return 0, 0, err
	}
	start := time.Now()
	last := p.allTokens[len(p.allTokens)-1]
	lg, err := p.runStep(ctx, []int64{last}, EntryGenerate, 1)
	if err != nil {
		return 0, 0, err
	}
	cursorBefore := p.Cache.Cursor
	p.Cache.Cursor++

	tok, err := p.sampleAndAppend(ctx, lg)
	if err != nil {
		return 0, 0, err
	}
	ms := elapsedMS(start)
	p.Trace.Record(trace.StepRecord{
		Phase: "generate", InputLength: 1,
		CursorBefore: cursorBefore, CursorAfter: p.Cache.Cursor,
		LatencyMS: ms, Token: tok,
	})
	logrus.WithFields(logrus.Fields{
		"session": p.SessionID, "cursor": p.Cache.Cursor,
	}).Infof("pipeline: generate step complete")
	return tok, ms, nil
}

func (p *Pipeline) sampleAndAppend(ctx context.Context, logits *Tensor) (int64, error) {
	tok, next, err := p.Sampler.Sample(ctx, logits, p.samplerState)
	if err != nil {
		return 0, err
	}
	p.samplerState = next
	p.allTokens = append(p.allTokens, tok)
	return tok, nil
}

// runStep runs every block fragment once, threading hidden state and
// per-layer K/V through them in order, dispatching each layer's cache
// update asynchronously and awaiting the whole step's dispatched updates
// before returning (spec §4.4/§5: updates for layer i need not complete
// before layer i+1 begins in the same step, only before the next step
// begins).
//
// tokenIDs may carry left-padding (prefill's final short chunk, spec
// §4.6); validRows is the number of real, non-pad tokens among them.
// Since padding is always at the front, a block's k_new_i/v_new_i rows
// line up with tokenIDs row-for-row, so the real tokens' rows are the
// trailing validRows of each — those, and only those, get dispatched to
// the cache, at cache_offset = Cursor, matching exactly the
// [Cursor, Cursor+validRows) window the cursor advance recognizes as
// valid. Dispatching the full (possibly padded) width here instead would
// both misplace pad-derived K/V inside that window and, once
// ContextLength is not a multiple of InputLength, write past the cache
// buffer's physical end.
func (p *Pipeline) runStep(ctx context.Context, tokenIDs []int64, entry string, validRows int64) (*Tensor, error) {
	for _, b := range p.Blocks {
		if err := b.SelectEntryPoint(entry); err != nil {
			return nil, err
		}
	}

	p.CacheUpdater.StartStep(ctx)

	padRows := int64(len(tokenIDs)) - validRows

	var hidden *Tensor
	var logits *Tensor
	for idx, b := range p.Blocks {
		inputs := map[string]*Tensor{}
		if idx == 0 {
			inputs["input_ids"] = NewIntTensor([]int64{int64(len(tokenIDs))}, tokenIDs)
		} else {
			inputs["hidden_in"] = hidden
		}
		for layer := b.Range.Start; layer < b.Range.End; layer++ {
			inputs[fmt.Sprintf("k_cache_%d", layer)] = p.Cache.K[layer]
			inputs[fmt.Sprintf("v_cache_%d", layer)] = p.Cache.V[layer]
		}
		inputs["cache_offset"] = Scalar(p.Cache.Cursor)

		out, err := b.Predict(ctx, inputs)
		if err != nil {
			return nil, err
		}
		hidden = out["hidden_out"]

		for layer := b.Range.Start; layer < b.Range.End; layer++ {
			kNew := sliceTrailingRows(out[fmt.Sprintf("k_new_%d", layer)], padRows, p.Config.KVWidth)
			vNew := sliceTrailingRows(out[fmt.Sprintf("v_new_%d", layer)], padRows, p.Config.KVWidth)
			p.CacheUpdater.Dispatch(layer, p.Cache.K[layer], p.Cache.V[layer], kNew, vNew, p.Cache.Cursor)
		}

		if idx == len(p.Blocks)-1 {
			if lg, ok := out["logits"]; ok {
				logits = lg
			} else if lg, ok := out["logits_0"]; ok {
				logits = lg
			}
		}
	}

	if err := p.CacheUpdater.Await(); err != nil {
		return nil, err
	}
	return logits, nil
}

// sliceTrailingRows drops the leading skipRows rows of a [n, width]
// tensor, returning the rest as a tensor of its own backing slice (no
// copy). skipRows == 0 returns t unchanged.
func sliceTrailingRows(t *Tensor, skipRows, width int64) *Tensor {
	if t == nil || skipRows <= 0 {
		return t
	}
	lo := skipRows * width
	return &Tensor{Shape: []int64{int64(len(t.F))/width - skipRows, width}, DType: Float32, F: t.F[lo:]}
}

// sliceLastRow returns the final [vocabSize] row of a [rows, vocabSize]
// logits tensor. Prefill chunks are left-padded, so the real prompt's
// last token always occupies the final row.
func sliceLastRow(t *Tensor, vocabSize int64) *Tensor {
	if t == nil || vocabSize <= 0 || int64(len(t.F)) <= vocabSize {
		return t
	}
	rows := int64(len(t.F)) / vocabSize
	lo := (rows - 1) * vocabSize
	return &Tensor{Shape: []int64{vocabSize}, DType: Float32, F: t.F[lo:]}
}
