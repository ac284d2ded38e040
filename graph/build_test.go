// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph_test

import (
	"testing"

	"github.com/gviegas/rgraph/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputeThenRenderSameQueue covers a two-pass compute-then-
// render chain recorded entirely on the graphics queue: the hazard
// must resolve to an event pair within a single run, with no
// cross-queue semaphore.
func TestComputeThenRenderSameQueue(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	b0 := graph.NextID()
	img := graph.NextID()

	a := newBuffer(graph.Graphics)
	b := newBuffer(graph.Graphics)

	require.True(t, g.ConstructNewNode(a).
		AddEncoderNode(graph.Graphics).
		EncoderAddBufferWrite(b0).
		AddToGraph())
	require.True(t, g.ConstructNewNode(b).
		AddEncoderNode(graph.Graphics).
		EncoderAddBufferRead(b0).
		EncoderAddTextureWrite(img).
		AddExecDependency(a).
		AddToGraph())

	require.NoError(t, g.Build(be))
	plan := g.ExecutionData()
	require.NotNil(t, plan)

	require.Len(t, plan.Runs, 1)
	run := plan.Runs[0]
	require.Len(t, run.Submissions, 2)

	// Producer first, consumer second.
	assert.Same(t, a, run.Submissions[0].Payload)
	assert.Same(t, b, run.Submissions[1].Payload)

	require.Len(t, run.Submissions[0].EventSignals, 1)
	require.Len(t, run.Submissions[1].EventWaits, 1)
	assert.Same(t, run.Submissions[0].EventSignals[0].Event, run.Submissions[1].EventWaits[0].Event)
	assert.Empty(t, run.SemaphoreWaits)

	require.Len(t, plan.CompletionSemaphores, 1)
	assert.Same(t, run.Semaphore, plan.CompletionSemaphores[0].Semaphore)
	assert.Equal(t, 1, be.events)
}

// TestComputeQueueFeedingGraphics covers the same chain with the
// producer on the compute queue: two runs, no event, and the
// graphics run waiting on the compute run's semaphore at the
// compute-shader stage.
func TestComputeQueueFeedingGraphics(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	b0 := graph.NextID()

	a := newBuffer(graph.Compute)
	b := newBuffer(graph.Graphics)

	require.True(t, g.ConstructNewNode(a).
		AddEncoderNode(graph.Compute).
		EncoderAddBufferWrite(b0).
		AddToGraph())
	require.True(t, g.ConstructNewNode(b).
		AddEncoderNode(graph.Graphics).
		EncoderAddBufferRead(b0).
		AddExecDependency(a).
		AddToGraph())

	require.NoError(t, g.Build(be))
	plan := g.ExecutionData()
	require.NotNil(t, plan)

	require.Len(t, plan.Runs, 2)
	comp, gfx := plan.Runs[0], plan.Runs[1]
	assert.Equal(t, graph.Compute, comp.Workload)
	assert.Equal(t, graph.Graphics, gfx.Workload)

	for _, run := range plan.Runs {
		for _, ps := range run.Submissions {
			assert.Empty(t, ps.EventSignals)
			assert.Empty(t, ps.EventWaits)
		}
	}

	require.Len(t, gfx.SemaphoreWaits, 1)
	assert.Same(t, comp.Semaphore, gfx.SemaphoreWaits[0].Semaphore)
	assert.Equal(t, comp.SignalValue, gfx.SemaphoreWaits[0].Value)
	assert.Equal(t, "compute-shader", gfx.SemaphoreWaits[0].Stage)

	// Only the graphics run has no waiter.
	require.Len(t, plan.CompletionSemaphores, 1)
	assert.Same(t, gfx.Semaphore, plan.CompletionSemaphores[0].Semaphore)
}

// TestSharedWriteThreeReaders covers one writer and three same-queue
// readers of a shared texture: a single event on the writer with one
// wait record per reader, all referencing that event.
func TestSharedWriteThreeReaders(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	tex := graph.NextID()

	w := newBuffer(graph.Graphics)
	require.True(t, g.ConstructNewNode(w).
		AddEncoderNode(graph.Graphics).
		EncoderAddTextureWrite(tex).
		AddToGraph())

	readers := make([]*stubBuffer, 3)
	for i := range readers {
		readers[i] = newBuffer(graph.Graphics)
		require.True(t, g.ConstructNewNode(readers[i]).
			AddEncoderNode(graph.Graphics).
			EncoderAddTextureRead(tex).
			AddExecDependency(w).
			AddToGraph())
	}

	require.NoError(t, g.Build(be))
	plan := g.ExecutionData()
	require.NotNil(t, plan)

	require.Len(t, plan.Runs, 1)
	run := plan.Runs[0]
	require.Len(t, run.Submissions, 4)

	assert.Same(t, w, run.Submissions[0].Payload)
	require.Len(t, run.Submissions[0].EventSignals, 1)
	ev := run.Submissions[0].EventSignals[0].Event

	for i := 1; i < 4; i++ {
		require.Len(t, run.Submissions[i].EventWaits, 1, "reader %d", i)
		assert.Same(t, ev, run.Submissions[i].EventWaits[0].Event, "reader %d", i)
	}
	assert.Equal(t, 1, be.events)
}

// TestCycleDetection covers a dependency cycle: Build must report it
// and leave the graph unbuilt.
func TestCycleDetection(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	a := newBuffer(graph.Graphics)
	b := newBuffer(graph.Graphics)

	require.True(t, g.ConstructNewNode(a).AddEncoderNode(graph.Graphics).AddToGraph())
	require.True(t, g.ConstructNewNode(b).
		AddEncoderNode(graph.Graphics).
		AddExecDependency(a).
		AddToGraph())
	g.AddExecDependency(a, b)

	err := g.Build(be)
	require.Error(t, err)
	var cyc *graph.ErrCycle
	require.ErrorAs(t, err, &cyc)
	assert.False(t, g.IsBuilt())
	assert.Nil(t, g.ExecutionData())
}

// TestSubmissionOrderRespectsDeps checks position(dep) <
// position(dependent) over a diamond.
func TestSubmissionOrderRespectsDeps(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	root := newBuffer(graph.Graphics)
	left := newBuffer(graph.Graphics)
	right := newBuffer(graph.Graphics)
	sink := newBuffer(graph.Graphics)

	require.True(t, g.ConstructNewNode(root).AddEncoderNode(graph.Graphics).AddToGraph())
	require.True(t, g.ConstructNewNode(left).AddEncoderNode(graph.Graphics).AddExecDependency(root).AddToGraph())
	require.True(t, g.ConstructNewNode(right).AddEncoderNode(graph.Graphics).AddExecDependency(root).AddToGraph())
	require.True(t, g.ConstructNewNode(sink).
		AddEncoderNode(graph.Graphics).
		AddExecDependency(left).
		AddExecDependency(right).
		AddToGraph())

	require.NoError(t, g.Build(be))
	plan := g.ExecutionData()
	require.Len(t, plan.Runs, 1)

	pos := make(map[any]int)
	for i, ps := range plan.Runs[0].Submissions {
		pos[ps.Payload] = i
	}
	assert.Less(t, pos[root], pos[left])
	assert.Less(t, pos[root], pos[right])
	assert.Less(t, pos[left], pos[sink])
	assert.Less(t, pos[right], pos[sink])

	order := g.SubmissionOrder()
	require.Len(t, order, 4)
	npos := make(map[uint64]int)
	for i, id := range order {
		npos[id] = i
	}
	assert.Less(t, npos[root.ID()], npos[left.ID()])
	assert.Less(t, npos[right.ID()], npos[sink.ID()])
}

// TestReadWithoutPriorWrite: reading an externally initialized
// resource emits no synchronization at all.
func TestReadWithoutPriorWrite(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	ext := graph.NextID()
	b := newBuffer(graph.Graphics)
	require.True(t, g.ConstructNewNode(b).
		AddEncoderNode(graph.Graphics).
		EncoderAddBufferRead(ext).
		AddToGraph())

	require.NoError(t, g.Build(be))
	plan := g.ExecutionData()
	require.Len(t, plan.Runs, 1)
	assert.Empty(t, plan.Runs[0].Submissions[0].EventWaits)
	assert.Empty(t, plan.Runs[0].SemaphoreWaits)
	assert.Zero(t, be.events)
}

// TestSuccessiveWrites: back-to-back writes need no event on one
// queue but a semaphore across queues.
func TestSuccessiveWrites(t *testing.T) {
	t.Run("same queue", func(t *testing.T) {
		g := graph.New(graph.Once, nil)
		be := &testBackend{}

		r := graph.NextID()
		a := newBuffer(graph.Graphics)
		b := newBuffer(graph.Graphics)

		require.True(t, g.ConstructNewNode(a).AddEncoderNode(graph.Graphics).EncoderAddBufferWrite(r).AddToGraph())
		require.True(t, g.ConstructNewNode(b).
			AddEncoderNode(graph.Graphics).
			EncoderAddBufferWrite(r).
			AddExecDependency(a).
			AddToGraph())

		require.NoError(t, g.Build(be))
		assert.Zero(t, be.events)
		assert.Empty(t, g.ExecutionData().Runs[0].SemaphoreWaits)
	})

	t.Run("cross queue", func(t *testing.T) {
		g := graph.New(graph.Once, nil)
		be := &testBackend{}

		r := graph.NextID()
		a := newBuffer(graph.Compute)
		b := newBuffer(graph.Graphics)

		require.True(t, g.ConstructNewNode(a).AddEncoderNode(graph.Compute).EncoderAddBufferWrite(r).AddToGraph())
		require.True(t, g.ConstructNewNode(b).
			AddEncoderNode(graph.Graphics).
			EncoderAddBufferWrite(r).
			AddExecDependency(a).
			AddToGraph())

		require.NoError(t, g.Build(be))
		plan := g.ExecutionData()
		require.Len(t, plan.Runs, 2)
		require.Len(t, plan.Runs[1].SemaphoreWaits, 1)
		assert.Same(t, plan.Runs[0].Semaphore, plan.Runs[1].SemaphoreWaits[0].Semaphore)
		assert.Zero(t, be.events)
	})
}

// TestBuildIdempotent: repeated Build with no mutation neither
// reallocates semaphores nor changes the plan.
func TestBuildIdempotent(t *testing.T) {
	g := graph.New(graph.PerFrame, nil)
	be := &testBackend{}

	a := newBuffer(graph.Graphics)
	require.True(t, g.ConstructNewNode(a).AddEncoderNode(graph.Graphics).AddToGraph())

	require.NoError(t, g.Build(be))
	first := g.ExecutionData()
	semsAfterFirst := be.sems

	require.NoError(t, g.Build(be))
	assert.Same(t, first, g.ExecutionData())
	assert.Equal(t, semsAfterFirst, be.sems)
}

// TestAdvanceMonotonic: the graph value strictly increases per
// Advance and restamps signal and completion values.
func TestAdvanceMonotonic(t *testing.T) {
	g := graph.New(graph.PerFrame, nil)
	be := &testBackend{}

	a := newBuffer(graph.Compute)
	b := newBuffer(graph.Graphics)
	r := graph.NextID()
	require.True(t, g.ConstructNewNode(a).AddEncoderNode(graph.Compute).EncoderAddBufferWrite(r).AddToGraph())
	require.True(t, g.ConstructNewNode(b).
		AddEncoderNode(graph.Graphics).
		EncoderAddBufferRead(r).
		AddExecDependency(a).
		AddToGraph())
	require.NoError(t, g.Build(be))

	plan := g.ExecutionData()
	var prev uint64
	for i := 0; i < 3; i++ {
		v, err := g.Advance()
		require.NoError(t, err)
		assert.Greater(t, v, prev)
		prev = v

		for _, run := range plan.Runs {
			assert.Equal(t, v, run.SignalValue)
		}
		require.Len(t, plan.Runs[1].SemaphoreWaits, 1)
		assert.Equal(t, v, plan.Runs[1].SemaphoreWaits[0].Value)
		for _, w := range plan.CompletionSemaphores {
			assert.Equal(t, v, w.Value)
		}
	}
	assert.Equal(t, prev, g.CurrentValue())
}

// TestAdvanceUnbuilt: Advance on an unbuilt graph fails.
func TestAdvanceUnbuilt(t *testing.T) {
	g := graph.New(graph.Once, nil)
	_, err := g.Advance()
	assert.Error(t, err)
}

// TestSemaphoreRecyclingKeepsValuesMonotonic: a BuildPerFrame graph
// cleared and rebuilt reuses its semaphore with an offset base, so a
// later plan never signals a value at or below one already signaled.
func TestSemaphoreRecyclingKeepsValuesMonotonic(t *testing.T) {
	g := graph.New(graph.BuildPerFrame, nil)
	be := &testBackend{}

	build := func() {
		a := newBuffer(graph.Graphics)
		require.True(t, g.ConstructNewNode(a).AddEncoderNode(graph.Graphics).AddToGraph())
		require.NoError(t, g.Build(be))
	}

	build()
	v1, err := g.Advance()
	require.NoError(t, err)
	sig1 := g.ExecutionData().Runs[0].SignalValue

	g.Clear()
	build()
	v2, err := g.Advance()
	require.NoError(t, err)
	sig2 := g.ExecutionData().Runs[0].SignalValue

	assert.Greater(t, v2, v1)
	assert.Greater(t, sig2, sig1)
	// One semaphore ever created: the second build recycled it.
	assert.Equal(t, 1, be.sems)
	assert.Equal(t, 1, be.puts)
}

// TestTransferStageSelection: a cross-queue wait on a transfer
// producer uses the transfer stage.
func TestTransferStageSelection(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	r := graph.NextID()
	up := newBuffer(graph.Transfer)
	use := newBuffer(graph.Graphics)

	require.True(t, g.ConstructNewNode(up).AddEncoderNode(graph.Transfer).EncoderAddBufferWrite(r).AddToGraph())
	require.True(t, g.ConstructNewNode(use).
		AddEncoderNode(graph.Graphics).
		EncoderAddBufferRead(r).
		AddExecDependency(up).
		AddToGraph())

	require.NoError(t, g.Build(be))
	plan := g.ExecutionData()
	require.Len(t, plan.Runs, 2)
	require.Len(t, plan.Runs[1].SemaphoreWaits, 1)
	assert.Equal(t, "transfer", plan.Runs[1].SemaphoreWaits[0].Stage)
}

// TestFramebufferDeclaration: a preserved attachment reads and
// writes; a cleared one only writes.
func TestFramebufferDeclaration(t *testing.T) {
	g := graph.New(graph.Once, nil)

	color := graph.NextID()
	depth := graph.NextID()
	b := newBuffer(graph.Graphics)

	require.True(t, g.ConstructNewNode(b).
		AddEncoderNode(graph.Graphics).
		EncoderAddFramebuffer([]graph.FramebufferAttachment{
			{TextureID: color, Preserve: true},
			{TextureID: depth},
		}).
		AddToGraph())

	sub := b.subs[0]
	assert.Contains(t, sub.Reads, color)
	assert.Contains(t, sub.Writes, color)
	assert.NotContains(t, sub.Reads, depth)
	assert.Contains(t, sub.Writes, depth)
}

func TestStats(t *testing.T) {
	g := graph.New(graph.Once, nil)
	be := &testBackend{}

	r := graph.NextID()
	a := newBuffer(graph.Graphics)
	b := newBuffer(graph.Graphics)
	require.True(t, g.ConstructNewNode(a).AddEncoderNode(graph.Graphics).EncoderAddBufferWrite(r).AddToGraph())
	require.True(t, g.ConstructNewNode(b).
		AddEncoderNode(graph.Graphics).
		EncoderAddBufferRead(r).
		AddExecDependency(a).
		AddToGraph())
	require.NoError(t, g.Build(be))

	s := g.Stats()
	assert.Equal(t, graph.Stats{Submissions: 2, Runs: 1, Events: 1}, s)
}
