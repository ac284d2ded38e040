// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package descriptor

import (
	"github.com/gviegas/rgraph/driver"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FrameCounter supplies the monotonically increasing frame index
// write-skew rotation is computed against. *submit.Pipeline
// implements it.
type FrameCounter interface {
	// FrameCount returns the number of frames ended so far, starting
	// at 0.
	FrameCount() uint64
	// FramesInFlight returns the number of frames that may be
	// in flight concurrently.
	FramesInFlight() int
}

type allocatedSet struct {
	alloc      Allocation
	writeFrame uint64
}

// pendingWrite is one binding staged by a Bind* call, applied to the
// chosen physical set only when FlushBindings runs.
type pendingWrite struct {
	bindingIndex int
	kind         driver.DescType
	start        int

	buffers   []driver.Buffer
	bufOffset []int64
	bufSize   []int64

	images []driver.ImageView

	samplers []driver.Sampler
}

// DynamicWindow describes a buffer range bound through BindDynamicBuffer:
// the byte range within buf that the binding currently points to. The
// driver abstraction this package is built on (driver.DescHeap) has
// no VK_DESCRIPTOR_TYPE_UNIFORM_BUFFER_DYNAMIC equivalent, so unlike
// a true dynamic descriptor this window is written into the
// descriptor set directly on each FlushBindings like any other
// buffer binding; DynamicWindow exists so callers that reuse one
// ResourceSet across many draws with varying offsets (e.g. one
// per-object sub-range of a large uniform buffer) have a single place
// to change the offset before the next flush instead of tracking it
// themselves.
type DynamicWindow struct {
	Buffer driver.Buffer
	Offset int64
	Size   int64
}

// Set is a reflection-typed descriptor set bound to bindings through
// Bind* calls and written to the GPU on FlushBindings. It rotates
// between a small number of physical allocations from its parent Pool
// so that writing a new binding never clobbers a set still being read
// by a frame in flight.
//
// Set is not safe for concurrent use.
type Set struct {
	pool    *Pool
	frames  FrameCounter
	log     *zap.SugaredLogger
	current Allocation
	have    bool
	sets    []allocatedSet
	pending []pendingWrite
	dynamic map[int]DynamicWindow
}

// NewSet creates a Set allocating from pool. frames supplies the
// frame counter used for write-skew rotation.
func NewSet(pool *Pool, frames FrameCounter, log *zap.Logger) *Set {
	if log == nil {
		log = zap.NewNop()
	}
	return &Set{
		pool:    pool,
		frames:  frames,
		log:     log.Sugar(),
		dynamic: make(map[int]DynamicWindow),
	}
}

// Pool returns the pool the Set allocates from, for layout
// compatibility checks at bind time.
func (s *Set) Pool() *Pool { return s.pool }

// Destroy releases every physical set this Set ever rotated through.
func (s *Set) Destroy() {
	for _, a := range s.sets {
		s.pool.Free(a.alloc)
	}
	s.sets = nil
}

func (s *Set) validate(bindingIndex int, kind driver.DescType) bool {
	if !s.pool.DoesBindingExist(bindingIndex) {
		s.log.Warnw("binding a descriptor at a binding index not present in the set layout",
			"bindingIndex", bindingIndex)
		return false
	}
	if got := s.pool.BindingKind(bindingIndex); got != kind {
		s.log.Warnw("binding a descriptor with the wrong kind for its binding index",
			"bindingIndex", bindingIndex, "want", got, "got", kind)
		return false
	}
	return true
}

// BindBuffer stages a buffer binding for bindingIndex, starting at
// element start within the binding's array.
func (s *Set) BindBuffer(bindingIndex, start int, bufs []driver.Buffer, off, size []int64) {
	kind := driver.DBuffer
	if !s.validate(bindingIndex, kind) {
		return
	}
	s.pending = append(s.pending, pendingWrite{
		bindingIndex: bindingIndex,
		kind:         kind,
		start:        start,
		buffers:      bufs,
		bufOffset:    off,
		bufSize:      size,
	})
}

// BindConstant stages a constant (uniform) buffer binding.
func (s *Set) BindConstant(bindingIndex, start int, bufs []driver.Buffer, off, size []int64) {
	kind := driver.DConstant
	if !s.validate(bindingIndex, kind) {
		return
	}
	s.pending = append(s.pending, pendingWrite{
		bindingIndex: bindingIndex,
		kind:         kind,
		start:        start,
		buffers:      bufs,
		bufOffset:    off,
		bufSize:      size,
	})
}

// BindDynamicBuffer stages a constant buffer binding whose offset
// into buf is expected to change from frame to frame or draw to draw.
// See DynamicWindow for the caveat on how this differs from a true
// Vulkan dynamic descriptor.
func (s *Set) BindDynamicBuffer(bindingIndex int, win DynamicWindow) {
	if !s.validate(bindingIndex, driver.DConstant) {
		return
	}
	s.dynamic[bindingIndex] = win
	s.pending = append(s.pending, pendingWrite{
		bindingIndex: bindingIndex,
		kind:         driver.DConstant,
		buffers:      []driver.Buffer{win.Buffer},
		bufOffset:    []int64{win.Offset},
		bufSize:      []int64{win.Size},
	})
}

// DynamicOffset returns the currently staged offset for a binding
// set up with BindDynamicBuffer, or (0, false) if none was bound.
func (s *Set) DynamicOffset(bindingIndex int) (int64, bool) {
	w, ok := s.dynamic[bindingIndex]
	if !ok {
		return 0, false
	}
	return w.Offset, true
}

// UpdateDynamicOffset moves the staged window of a binding set up
// with BindDynamicBuffer to offset, restaging the binding so the next
// FlushBindings writes the new range. Updating a binding that was
// never dynamically bound logs and changes nothing.
func (s *Set) UpdateDynamicOffset(bindingIndex int, offset int64) {
	w, ok := s.dynamic[bindingIndex]
	if !ok {
		s.log.Warnw("updating the dynamic offset of a binding with no dynamic buffer bound",
			"bindingIndex", bindingIndex)
		return
	}
	w.Offset = offset
	s.dynamic[bindingIndex] = w
	s.pending = append(s.pending, pendingWrite{
		bindingIndex: bindingIndex,
		kind:         driver.DConstant,
		buffers:      []driver.Buffer{w.Buffer},
		bufOffset:    []int64{w.Offset},
		bufSize:      []int64{w.Size},
	})
}

// BindImage stages an image binding for bindingIndex.
func (s *Set) BindImage(bindingIndex, start int, iv []driver.ImageView) {
	kind := driver.DImage
	if !s.validate(bindingIndex, kind) {
		return
	}
	s.pending = append(s.pending, pendingWrite{bindingIndex: bindingIndex, kind: kind, start: start, images: iv})
}

// BindTexture stages a sampled-texture binding for bindingIndex.
func (s *Set) BindTexture(bindingIndex, start int, iv []driver.ImageView) {
	kind := driver.DTexture
	if !s.validate(bindingIndex, kind) {
		return
	}
	s.pending = append(s.pending, pendingWrite{bindingIndex: bindingIndex, kind: kind, start: start, images: iv})
}

// BindSampler stages a sampler binding for bindingIndex.
func (s *Set) BindSampler(bindingIndex, start int, splr []driver.Sampler) {
	kind := driver.DSampler
	if !s.validate(bindingIndex, kind) {
		return
	}
	s.pending = append(s.pending, pendingWrite{bindingIndex: bindingIndex, kind: kind, start: start, samplers: splr})
}

// swapNextAllocation picks the physical set this flush will write
// into: the first allocation that has not been written to for at
// least FramesInFlight frames (so no in-flight frame can still be
// reading it), or a freshly allocated one if none qualify.
func (s *Set) swapNextAllocation() error {
	now := s.frames.FrameCount()
	fif := uint64(s.frames.FramesInFlight())

	for i := range s.sets {
		if now-s.sets[i].writeFrame >= fif {
			s.sets[i].writeFrame = now
			s.current = s.sets[i].alloc
			s.have = true
			return nil
		}
	}

	a, err := s.pool.Allocate()
	if err != nil {
		return err
	}
	s.sets = append(s.sets, allocatedSet{alloc: a, writeFrame: now})
	s.current = a
	s.have = true
	return nil
}

// FlushBindings picks this flush's physical set via write-skew
// rotation and writes every binding staged since the last flush onto
// it. It must be called once per frame that (re)binds any resource on
// this Set, after all Bind* calls for that frame and before the
// descriptor set handle is consumed by a command buffer recording.
func (s *Set) FlushBindings() error {
	if len(s.pending) == 0 && s.have {
		return nil
	}
	if err := s.swapNextAllocation(); err != nil {
		return errors.Wrap(err, "descriptor: failed to rotate resource set allocation")
	}

	heap, cpy := s.pool.heapFor(s.current)
	for _, w := range s.pending {
		switch w.kind {
		case driver.DBuffer, driver.DConstant:
			heap.SetBuffer(cpy, w.bindingIndex, w.start, w.buffers, w.bufOffset, w.bufSize)
		case driver.DImage, driver.DTexture:
			heap.SetImage(cpy, w.bindingIndex, w.start, w.images)
		case driver.DSampler:
			heap.SetSampler(cpy, w.bindingIndex, w.start, w.samplers)
		}
	}
	s.pending = s.pending[:0]
	return nil
}

// HeapCopy returns the DescHeap and copy index the most recent
// FlushBindings wrote to, for use by a command buffer's
// SetDescTableGraph/SetDescTableComp call.
func (s *Set) HeapCopy() (driver.DescHeap, int) {
	return s.pool.heapFor(s.current)
}

// Bind records the descriptor binding of the most recently flushed
// physical set into cb, at table start setIndex, for the graphics or
// compute bind point. FlushBindings must have run at least once.
func (s *Set) Bind(cb driver.CmdBuffer, graphics bool, setIndex int) {
	if !s.have {
		s.log.Warn("binding a resource set that was never flushed")
		return
	}
	table, cpy := s.pool.tableFor(s.current)
	if graphics {
		cb.SetDescTableGraph(table, setIndex, []int{cpy})
	} else {
		cb.SetDescTableComp(table, setIndex, []int{cpy})
	}
}
