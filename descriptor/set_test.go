// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package descriptor_test

import (
	"testing"

	"github.com/gviegas/rgraph/descriptor"
	"github.com/gviegas/rgraph/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameClock is a hand-driven descriptor.FrameCounter.
type frameClock struct {
	count uint64
	fif   int
}

func (f *frameClock) FrameCount() uint64  { return f.count }
func (f *frameClock) FramesInFlight() int { return f.fif }

func newTestSet(t *testing.T, frames *frameClock) (*descriptor.Set, *fakeDevice) {
	t.Helper()
	dev := &fakeDevice{}
	pool, err := descriptor.NewPool(dev, uniformReflection())
	require.NoError(t, err)
	return descriptor.NewSet(pool, frames, nil), dev
}

// TestRotationAcrossFrames covers write-skew rotation with two
// frames in flight: frame 0 and frame 1 must land on distinct
// physical sets, and frame 2 must reuse frame 0's, now retired.
func TestRotationAcrossFrames(t *testing.T) {
	clock := &frameClock{fif: 2}
	s, dev := newTestSet(t, clock)

	buf := fakeBuffer{}

	flush := func() (cpy int) {
		s.BindConstant(0, 0, []driver.Buffer{buf}, []int64{0}, []int64{256})
		require.NoError(t, s.FlushBindings())
		_, cpy = s.HeapCopy()
		return
	}

	cpy0 := flush() // frame 0
	clock.count = 1
	cpy1 := flush() // frame 1: frame 0's set may still be in flight
	assert.NotEqual(t, cpy0, cpy1)

	clock.count = 2
	cpy2 := flush() // frame 2: frame 0's set has retired
	assert.Equal(t, cpy0, cpy2)

	clock.count = 3
	cpy3 := flush()
	assert.Equal(t, cpy1, cpy3)

	// Exactly two physical sets were ever allocated, all from one
	// chunk.
	require.Len(t, dev.heaps, 1)
}

// TestFlushReplaysStagedWrites: every staged write lands on the
// chosen copy, and the staging list clears.
func TestFlushReplaysStagedWrites(t *testing.T) {
	clock := &frameClock{fif: 2}
	s, dev := newTestSet(t, clock)

	s.BindConstant(0, 0, []driver.Buffer{fakeBuffer{}}, []int64{0}, []int64{256})
	s.BindTexture(2, 0, []driver.ImageView{nil})
	require.NoError(t, s.FlushBindings())

	require.Len(t, dev.heaps, 1)
	h := dev.heaps[0]
	require.Len(t, h.writes, 2)
	assert.Equal(t, "buffer", h.writes[0].kind)
	assert.Equal(t, 0, h.writes[0].nr)
	assert.Equal(t, "image", h.writes[1].kind)
	assert.Equal(t, 2, h.writes[1].nr)
	assert.Equal(t, h.writes[0].cpy, h.writes[1].cpy)

	// A second flush with nothing staged writes nothing.
	n := len(h.writes)
	require.NoError(t, s.FlushBindings())
	assert.Len(t, h.writes, n)
}

// TestBindValidation: wrong binding index or kind logs and leaves
// the staging vector untouched.
func TestBindValidation(t *testing.T) {
	clock := &frameClock{fif: 2}
	s, dev := newTestSet(t, clock)

	// Binding index 1 is a gap in the layout.
	s.BindConstant(1, 0, []driver.Buffer{fakeBuffer{}}, []int64{0}, []int64{256})
	// Binding 0 is a constant buffer, not a texture.
	s.BindTexture(0, 0, []driver.ImageView{nil})
	// Out of range.
	s.BindSampler(9, 0, nil)

	require.NoError(t, s.FlushBindings())
	require.Len(t, dev.heaps, 1)
	assert.Empty(t, dev.heaps[0].writes)
}

func TestDynamicOffsets(t *testing.T) {
	clock := &frameClock{fif: 2}
	s, dev := newTestSet(t, clock)

	s.BindDynamicBuffer(0, descriptor.DynamicWindow{
		Buffer: fakeBuffer{}, Offset: 0, Size: 256,
	})
	require.NoError(t, s.FlushBindings())

	off, ok := s.DynamicOffset(0)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	s.UpdateDynamicOffset(0, 512)
	off, ok = s.DynamicOffset(0)
	require.True(t, ok)
	assert.Equal(t, int64(512), off)

	// The update restaged the binding; the next flush rewrites it.
	n := len(dev.heaps[0].writes)
	require.NoError(t, s.FlushBindings())
	assert.Greater(t, len(dev.heaps[0].writes), n)

	// Updating a non-dynamic binding is a no-op.
	s.UpdateDynamicOffset(2, 64)
	_, ok = s.DynamicOffset(2)
	assert.False(t, ok)
}

func TestDestroyReturnsAllocations(t *testing.T) {
	clock := &frameClock{fif: 2}
	s, _ := newTestSet(t, clock)
	pool := s.Pool()

	s.BindConstant(0, 0, []driver.Buffer{fakeBuffer{}}, []int64{0}, []int64{256})
	require.NoError(t, s.FlushBindings())
	clock.count = 1
	s.BindConstant(0, 0, []driver.Buffer{fakeBuffer{}}, []int64{0}, []int64{256})
	require.NoError(t, s.FlushBindings())

	s.Destroy()

	// Both freed slots are reusable: two fresh allocations fit in the
	// original chunk.
	a, err := pool.Allocate()
	require.NoError(t, err)
	b, err := pool.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
