package pipeline

import (
	"context"
	"io"
)

// PredictionStream is a lazy pull-stream of Predictions (spec §5, §6).
// Recv blocks until the next Prediction is ready, the session ends
// normally (io.EOF), or the session ends abnormally (the error that
// caused it). Cancelling the ctx passed to Recv only stops the caller
// from waiting; it does not request cancellation of the pipeline itself
// — the pipeline is cancelled by cancelling the ctx originally passed to
// Pipeline.Predict, and that cancellation is observed cooperatively,
// between steps, never by interrupting a fragment call already in
// flight (spec §5 "Ordering guarantees").
type PredictionStream struct {
	ch    chan *Prediction
	errCh chan error
}

func newPredictionStream() *PredictionStream {
	return &PredictionStream{
		ch:    make(chan *Prediction, 1),
		errCh: make(chan error, 1),
	}
}

// Recv returns the next Prediction, io.EOF once the stream is exhausted
// normally, or the terminal error otherwise.
func (s *PredictionStream) Recv(ctx context.Context) (*Prediction, error) {
	select {
	case p, ok := <-s.ch:
		if !ok {
			select {
			case err := <-s.errCh:
				return nil, err
			default:
				return nil, io.EOF
			}
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emit delivers pred to the consumer, blocking until received or ctx is
// done. It reports false if ctx ended first, the signal the producer
// uses to stop driving the decode loop (spec §5 cooperative
// cancellation: in-flight fragment calls and cache updates still run to
// completion, only the *next* step is skipped).
func (s *PredictionStream) emit(ctx context.Context, pred *Prediction) bool {
	select {
	case s.ch <- pred:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail records the terminal error. Must be called at most once, before
// close.
func (s *PredictionStream) fail(err error) {
	s.errCh <- err
}

// close ends the stream. Any buffered error written by fail is observed
// by Recv on the same call that sees the channel close, since fail
// always happens-before close in the producer goroutine.
func (s *PredictionStream) close() {
	close(s.ch)
}
