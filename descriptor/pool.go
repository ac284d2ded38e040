// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package descriptor implements the descriptor binding engine: a
// reflection-driven descriptor set layout, a chunked pool that
// allocates physical sets in fixed-size batches with a free list, and
// a resource set abstraction that rotates between a handful of
// physical allocations to avoid writing a set still in use by a
// frame in flight.
package descriptor

import (
	"sync"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/internal/bitm"
	"github.com/gviegas/rgraph/internal/bitvec"
	"github.com/pkg/errors"
)

// MaxSetsPerChunk is the number of physical descriptor sets allocated
// together whenever a Pool runs out of free sets. Large enough to
// amortize heap creation across typical per-material set counts,
// small enough that a mostly-idle pool wastes little.
const MaxSetsPerChunk = 20

// ReflectionElement describes one shader binding as produced by
// SPIR-V reflection: which set and binding index it occupies, its
// descriptor kind, the stages that access it and, for arrayed
// bindings, the element count. Callers must supply elements sorted
// by (SetIndex, BindingIndex); Pool relies on that order to fill
// binding-index gaps with "does not exist" entries in a single pass.
type ReflectionElement struct {
	SetIndex     int
	BindingIndex int
	Kind         driver.DescType
	Stages       driver.Stage
	ArrayCount   int
}

// HeapDevice is the device capability Pool needs: descriptor heap
// and table creation. driver.GPU satisfies it.
type HeapDevice interface {
	NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error)
	NewDescTable(dh []driver.DescHeap) (driver.DescTable, error)
}

type bindingData struct {
	exists     bool
	kind       driver.DescType
	stages     driver.Stage
	arrayCount int
}

// chunk tracks which of a heap's MaxSetsPerChunk copies are currently
// handed out, using a bitmap rather than a bare count so that a freed
// copy index is recorded precisely and can be reused by a later
// Allocate instead of being silently leaked.
type chunk struct {
	heap  driver.DescHeap
	table driver.DescTable
	used  bitm.Bitm[uint32]
}

func (c *chunk) full() bool { return c.used.Rem() == 0 }

// Allocation identifies one physical descriptor set handed out by a
// Pool: the chunk it belongs to and its copy index within that
// chunk's DescHeap.
type Allocation struct {
	chunkIndex int
	copyIndex  int
}

// Pool builds one descriptor set layout from a sorted reflection
// slice and allocates/frees physical sets against it in
// MaxSetsPerChunk-sized chunks, backed by one driver.DescHeap per
// chunk (a DescHeap's "copies" stand in for the chunk's physical
// sets).
//
// Pool is safe for concurrent use.
type Pool struct {
	dev         HeapDevice
	descriptors []driver.Descriptor
	bindings    []bindingData

	mu     sync.Mutex
	chunks []*chunk
	// full tracks chunk occupancy: bit i is set when chunks[i] has
	// no free copy, so an unset bit below len(chunks) names a chunk
	// Allocate can take from. Padding bits past len(chunks) are kept
	// set so Search never lands on a chunk that does not exist.
	full bitvec.V[uint32]
}

// NewPool builds a Pool's layout from a sorted reflection slice. It
// does not allocate any physical sets; the first call to Allocate
// creates the first chunk.
func NewPool(dev HeapDevice, elements []ReflectionElement) (*Pool, error) {
	p := &Pool{dev: dev}

	for _, e := range elements {
		if e.ArrayCount <= 0 {
			return nil, errors.Errorf("descriptor: binding %d has non-positive array count", e.BindingIndex)
		}
		if e.BindingIndex < len(p.bindings) {
			return nil, errors.Errorf("descriptor: reflection elements not sorted at binding %d", e.BindingIndex)
		}
		for len(p.bindings) < e.BindingIndex {
			p.bindings = append(p.bindings, bindingData{})
		}
		p.bindings = append(p.bindings, bindingData{
			exists:     true,
			kind:       e.Kind,
			stages:     e.Stages,
			arrayCount: e.ArrayCount,
		})
		p.descriptors = append(p.descriptors, driver.Descriptor{
			Type:   e.Kind,
			Stages: e.Stages,
			Nr:     e.BindingIndex,
			Len:    e.ArrayCount,
		})
	}

	return p, nil
}

// PoolsBySet partitions a full shader reflection slice by set index
// and builds one Pool per set. elements must be sorted by
// (SetIndex, BindingIndex). The returned map's keys are the set
// indices that declare at least one binding.
func PoolsBySet(dev HeapDevice, elements []ReflectionElement) (map[int]*Pool, error) {
	pools := make(map[int]*Pool)
	for lo := 0; lo < len(elements); {
		hi := lo
		for hi < len(elements) && elements[hi].SetIndex == elements[lo].SetIndex {
			hi++
		}
		p, err := NewPool(dev, elements[lo:hi])
		if err != nil {
			return nil, errors.Wrapf(err, "descriptor: set %d", elements[lo].SetIndex)
		}
		pools[elements[lo].SetIndex] = p
		lo = hi
	}
	return pools, nil
}

// HasDescriptors reports whether the pool's layout declares any
// bindings at all; a set with no bindings is never allocated from.
func (p *Pool) HasDescriptors() bool { return len(p.descriptors) > 0 }

// DoesBindingExist reports whether bindingIndex names a declared
// binding, as opposed to a gap left by a sparse reflection slice.
func (p *Pool) DoesBindingExist(bindingIndex int) bool {
	return bindingIndex >= 0 && bindingIndex < len(p.bindings) && p.bindings[bindingIndex].exists
}

// BindingKind returns the descriptor kind declared for bindingIndex.
// Callers must have checked DoesBindingExist first.
func (p *Pool) BindingKind(bindingIndex int) driver.DescType {
	return p.bindings[bindingIndex].kind
}

// CheckCompatibility reports whether p and other declare identical
// binding layouts (same bindings, in the same order, with matching
// kind and array count), meaning a ResourceSet allocated from one can
// be rebound against a pipeline built from the other's layout.
func (p *Pool) CheckCompatibility(other *Pool) bool {
	if len(p.bindings) != len(other.bindings) {
		return false
	}
	for i := range p.bindings {
		l, r := p.bindings[i], other.bindings[i]
		if l.exists != r.exists {
			return false
		}
		if l.exists && (l.kind != r.kind || l.arrayCount != r.arrayCount) {
			return false
		}
	}
	return true
}

// Allocate reserves one physical descriptor set, creating a new
// chunk if every existing chunk is full.
func (p *Pool) Allocate() (Allocation, error) {
	if !p.HasDescriptors() {
		return Allocation{}, errors.New("descriptor: cannot allocate from a pool with no descriptors")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.full.Search()
	if !ok {
		if err := p.newChunk(); err != nil {
			return Allocation{}, err
		}
		idx = len(p.chunks) - 1
	}
	c := p.chunks[idx]
	copyIdx, ok := c.used.SearchRange(1)
	if !ok || copyIdx >= MaxSetsPerChunk {
		return Allocation{}, errors.New("descriptor: chunk occupancy out of sync with its bitmap")
	}
	c.used.Set(copyIdx)
	if c.full() {
		p.full.Set(idx)
	}

	return Allocation{chunkIndex: idx, copyIndex: copyIdx}, nil
}

// Free releases a with Allocate, making its chunk available to later
// Allocate calls again.
func (p *Pool) Free(a Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.chunks[a.chunkIndex]
	c.used.Unset(a.copyIndex)
	p.full.Unset(a.chunkIndex)
}

// heapFor returns the DescHeap and copy index backing a.
func (p *Pool) heapFor(a Allocation) (driver.DescHeap, int) {
	c := p.chunks[a.chunkIndex]
	return c.heap, a.copyIndex
}

// tableFor returns the single-heap DescTable and copy index backing
// a, for recording with CmdBuffer.SetDescTableGraph/SetDescTableComp.
func (p *Pool) tableFor(a Allocation) (driver.DescTable, int) {
	c := p.chunks[a.chunkIndex]
	return c.table, a.copyIndex
}

func (p *Pool) newChunk() error {
	heap, err := p.dev.NewDescHeap(p.descriptors)
	if err != nil {
		return errors.Wrap(err, "descriptor: failed to create descriptor heap")
	}
	if err := heap.New(MaxSetsPerChunk); err != nil {
		heap.Destroy()
		return errors.Wrap(err, "descriptor: failed to allocate heap copies")
	}

	table, err := p.dev.NewDescTable([]driver.DescHeap{heap})
	if err != nil {
		heap.Destroy()
		return errors.Wrap(err, "descriptor: failed to create descriptor table")
	}

	c := &chunk{heap: heap, table: table}
	n := c.used.Grow((MaxSetsPerChunk + 31) / 32)
	// The bitmap's granularity (32 bits) does not evenly divide
	// MaxSetsPerChunk; permanently mark the padding tail as used so
	// Allocate never hands out a copy index the heap does not back.
	for i := n + MaxSetsPerChunk; i < c.used.Len(); i++ {
		c.used.Set(i)
	}

	idx := len(p.chunks)
	if idx == p.full.Len() {
		// Same padding rule as the chunk bitmap: the new word's
		// bits stay set except the one tracking the new chunk.
		m := p.full.Grow(1)
		for i := m; i < p.full.Len(); i++ {
			p.full.Set(i)
		}
	}
	p.full.Unset(idx)
	p.chunks = append(p.chunks, c)
	return nil
}
