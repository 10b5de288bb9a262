package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestNewKVCacheAllocatesPerLayerBuffers(t *testing.T) {
	c := NewKVCache(3, 16, 8)
	if len(c.K) != 3 || len(c.V) != 3 {
		t.Fatalf("got %d/%d layers, want 3/3", len(c.K), len(c.V))
	}
	for i := 0; i < 3; i++ {
		if len(c.K[i].F) != 16*8 {
			t.Fatalf("layer %d: got %d floats, want %d", i, len(c.K[i].F), 16*8)
		}
	}
	if c.Capacity != 16 {
		t.Fatalf("got Capacity %d, want 16", c.Capacity)
	}
}

func TestKVCacheResetZeroesAndRewindsCursor(t *testing.T) {
	c := NewKVCache(1, 4, 2)
	c.K[0].F[0] = 9
	c.Cursor = 3

	c.Reset()

	if c.Cursor != 0 {
		t.Fatalf("got Cursor %d, want 0", c.Cursor)
	}
	if c.K[0].F[0] != 0 {
		t.Fatal("expected Reset to zero existing cache contents")
	}
}

func TestKVCacheSliceReturnsOnlyValidPrefix(t *testing.T) {
	c := NewKVCache(1, 4, 2)
	// write distinguishable values into all 4 rows
	for i := range c.K[0].F {
		c.K[0].F[i] = float32(i + 1)
	}
	c.Cursor = 2

	k, _ := c.Slice(0)
	if len(k) != 4 { // 2 rows * width 2
		t.Fatalf("got slice length %d, want 4", len(k))
	}
	if k[0] != 1 || k[3] != 4 {
		t.Fatalf("unexpected slice contents: %v", k)
	}
}

func TestCacheUpdaterDispatchWriteIsVisibleAfterAwait(t *testing.T) {
	// GIVEN a cache-updater fragment whose Predict copies k_new/v_new
	// into k_cache/v_cache at cache_offset, mirroring the in-place
	// mutation the real backend relies on.
	m := newFakeModel("cache_updater")
	m.entryPoints[""] = nil
	updaterModel := &copyingCacheUpdaterModel{fakeModel: m}
	frag := &Fragment{ID: "cache_updater", Role: RoleCacheUpdater, Model: updaterModel}
	updater := NewCacheUpdater(frag)

	cache := NewKVCache(1, 4, 2)
	kNew := NewFloatTensor([]int64{1, 2}, []float32{5, 6})
	vNew := NewFloatTensor([]int64{1, 2}, []float32{7, 8})

	updater.StartStep(context.Background())
	updater.Dispatch(0, cache.K[0], cache.V[0], kNew, vNew, 1)
	if err := updater.Await(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// WHEN the write has completed, the cache's own buffer (not a copy)
	// must reflect it: row 1 is floats [2:4)
	if cache.K[0].F[2] != 5 || cache.K[0].F[3] != 6 {
		t.Fatalf("cache row not updated in place: %v", cache.K[0].F)
	}
	if cache.V[0].F[2] != 7 || cache.V[0].F[3] != 8 {
		t.Fatalf("cache row not updated in place: %v", cache.V[0].F)
	}
}

func TestCacheUpdaterAwaitWithoutStartStepIsNoop(t *testing.T) {
	updater := NewCacheUpdater(&Fragment{Model: newFakeModel("cache_updater")})
	if err := updater.Await(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCacheUpdaterAwaitPropagatesDispatchFailure(t *testing.T) {
	m := newFakeModel("cache_updater")
	m.predictErr = errFakeCacheWrite
	frag := &Fragment{ID: "cache_updater", Model: m}
	updater := NewCacheUpdater(frag)

	updater.StartStep(context.Background())
	updater.Dispatch(0, ZerosFloat(4, 2), ZerosFloat(4, 2), ZerosFloat(1, 2), ZerosFloat(1, 2), 0)
	if err := updater.Await(); err == nil {
		t.Fatal("expected the dispatched failure to surface from Await")
	}
}

var errFakeCacheWrite = fakeErr("cache write failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// copyingCacheUpdaterModel is a fakeModel variant whose Predict actually
// performs the in-place row copy, so this package's own cache test can
// assert the mutation-visible-with-no-copy property end to end without
// importing pipeline/backend/manifest (which would be a layering
// violation the other direction).
type copyingCacheUpdaterModel struct {
	*fakeModel
}

func (m *copyingCacheUpdaterModel) Predict(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	kCache, vCache := inputs["k_cache"], inputs["v_cache"]
	kNew, vNew := inputs["k_new"], inputs["v_new"]
	offset := inputs["cache_offset"].I[0]
	width := int64(2)
	lo := offset * width
	hi := lo + int64(len(kNew.F))
	copy(kCache.F[lo:hi], kNew.F)
	copy(vCache.F[lo:hi], vNew.F)
	return map[string]*Tensor{}, nil
}

// variableDelayCacheUpdaterModel copies like copyingCacheUpdaterModel but
// sleeps first, for a duration carried in the dispatched k_new's first
// value. Used to prove Await blocks on the slowest dispatched layer, not
// just the first one to return.
type variableDelayCacheUpdaterModel struct {
	*fakeModel
}

func (m *variableDelayCacheUpdaterModel) Predict(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	kCache, vCache := inputs["k_cache"], inputs["v_cache"]
	kNew, vNew := inputs["k_new"], inputs["v_new"]
	offset := inputs["cache_offset"].I[0]
	width := int64(2)

	marker := kNew.F[0]
	time.Sleep(time.Duration(4-marker) * 5 * time.Millisecond)

	lo := offset * width
	hi := lo + int64(len(kNew.F))
	copy(kCache.F[lo:hi], kNew.F)
	copy(vCache.F[lo:hi], vNew.F)
	return map[string]*Tensor{}, nil
}

func TestCacheUpdaterAwaitWaitsForTheSlowestDispatchedLayer(t *testing.T) {
	// GIVEN three layers dispatched in order 0, 1, 2, but the updater
	// call for layer 0 is artificially the slowest to finish.
	m := &variableDelayCacheUpdaterModel{fakeModel: newFakeModel("cache_updater")}
	frag := &Fragment{ID: "cache_updater", Role: RoleCacheUpdater, Model: m}
	updater := NewCacheUpdater(frag)

	cache := NewKVCache(3, 4, 1)

	updater.StartStep(context.Background())
	for layer := 0; layer < 3; layer++ {
		marker := float32(layer + 1)
		kNew := NewFloatTensor([]int64{1, 1}, []float32{marker})
		vNew := NewFloatTensor([]int64{1, 1}, []float32{marker})
		updater.Dispatch(layer, cache.K[layer], cache.V[layer], kNew, vNew, 0)
	}

	// WHEN Await returns, every dispatched layer's write must already be
	// visible, regardless of dispatch order or how long any individual
	// call took.
	if err := updater.Await(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for layer := 0; layer < 3; layer++ {
		want := float32(layer + 1)
		if cache.K[layer].F[0] != want {
			t.Fatalf("layer %d: cache not written by the time Await returned (got %v, want %v)", layer, cache.K[layer].F[0], want)
		}
		if cache.V[layer].F[0] != want {
			t.Fatalf("layer %d: cache not written by the time Await returned (got %v, want %v)", layer, cache.V[layer].F[0], want)
		}
	}
}
