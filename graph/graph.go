// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package graph implements the render graph scheduler: it accepts a
// DAG of command-buffer nodes annotated with per-encoder resource
// reads/writes and inter-buffer execution dependencies, and compiles
// it into an execution plan of queue submission runs with the
// minimal set of intra-queue events and inter-queue timeline-
// semaphore waits needed for a correct happens-before ordering.
//
// The package is backend-agnostic: it never touches a concrete GPU
// handle. Package submit walks the plan this package produces and
// turns it into driver calls.
package graph

import (
	"sync"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/internal/idgen"
	"go.uber.org/zap"
)

// Workload re-exports driver.Workload so callers building a graph
// need not import package driver for the three constants.
type Workload = driver.Workload

// Workload values.
const (
	Graphics = driver.Graphics
	Compute  = driver.Compute
	Transfer = driver.Transfer
)

// Submission is one EncoderSubmission as defined by the data model:
// a single recorded unit of GPU work belonging to one Workload, with
// the resource ids it reads and writes for scheduling purposes.
//
// Reads and Writes are populated by a NodeBuilder, not by the
// encoder that produced Payload (see NodeBuilder.AddEncoderNode):
// recording the commands and declaring their resource usage are
// deliberately decoupled so that package graph never needs to know
// how a Payload was produced.
type Submission struct {
	Workload Workload
	Reads    map[uint64]struct{}
	Writes   map[uint64]struct{}
	// Payload is the backend-specific recorded command buffer
	// handle (a driver.CmdBuffer in practice). Package graph never
	// dereferences it.
	Payload any
}

// Buffer is the interface a graph node's command buffer must
// satisfy. *cmdbuf.CommandBuffer implements it.
type Buffer interface {
	// ID returns the buffer's process-unique identifier.
	ID() uint64
	// Submissions returns the buffer's encoder submissions in
	// recording order. The returned slice and the Reads/Writes maps
	// of its elements are mutated in place by NodeBuilder; callers
	// must not record further encoders on a buffer once it has been
	// added to a graph and declared.
	Submissions() []*Submission
}

// PresentingContext is the interface a graph node's presenting
// render context must satisfy. *submit.RenderContext implements it.
//
// The run containing a presenting node is marked in the plan; at
// submission time package submit brackets it with the swapchain's
// acquire/present transitions, waits on the image-available binary
// semaphore, and signals the frame's render-complete semaphore that
// the present call then waits on.
type PresentingContext interface {
	// ID returns the context's process-unique identifier.
	ID() uint64
	// CommandBuffer returns the command buffer that renders into
	// the context's swapchain image.
	CommandBuffer() Buffer
}

// Usage selects the lifetime of a RenderGraph's built plan.
type Usage int

// Usages.
const (
	// Once graphs are intended for a single submission. A Once
	// graph is not auto-cleared after submit; the caller must call
	// Clear explicitly.
	Once Usage = iota
	// PerFrame graphs are built once and resubmitted every frame
	// without rebuilding.
	PerFrame
	// BuildPerFrame graphs are cleared and rebuilt every frame.
	BuildPerFrame
)

// node is the internal representation of a graph node.
type node struct {
	id          uint64
	buffer      Buffer
	context     PresentingContext
	execDeps    map[uint64]struct{}
	insertOrder int
}

// Graph is a DAG of command-buffer nodes with explicit execution
// dependencies and per-encoder resource declarations. Call Build to
// compile it into an ExecutionPlan.
//
// A Graph is safe for concurrent use by Add/AddExecDependency only;
// Build, Clear and the plan accessors are not safe to call
// concurrently with each other or with Add.
type Graph struct {
	usage Usage
	log   *zap.SugaredLogger

	mu         sync.Mutex
	nodes      map[uint64]*node
	leaves     map[uint64]struct{}
	insertNext int

	plan     *ExecutionPlan
	backend  Backend
	built    bool
	curValue uint64
}

// New creates an empty Graph for the given usage.
func New(usage Usage, log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{
		usage:  usage,
		log:    log.Sugar(),
		nodes:  make(map[uint64]*node),
		leaves: make(map[uint64]struct{}),
	}
}

// Usage returns the graph's configured Usage.
func (g *Graph) Usage() Usage { return g.usage }

// IsBuilt reports whether the graph currently holds a valid plan
// produced by Build, not yet invalidated by Clear or Add.
func (g *Graph) IsBuilt() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.built
}

// Nodes returns the number of nodes currently in the graph.
func (g *Graph) Nodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Leaves returns the number of nodes with no dependents, i.e. the
// graph's current traversal roots.
func (g *Graph) Leaves() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leaves)
}

// Clear drops all nodes and the built plan, returning the plan's
// timeline semaphores to the Backend that issued them. The caller
// must ensure the plan's last submission has retired (or will, before
// a recycled semaphore is signaled again by a later plan); the
// submission pipeline's frame ring provides exactly that guarantee
// for BuildPerFrame graphs. Events created by the prior Build are not
// recycled; they are released through the finalizer queue by whoever
// owned the prior plan (package submit).
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.plan != nil && g.backend != nil {
		for _, r := range g.plan.Runs {
			g.backend.PutTimelineSemaphore(r.Semaphore, r.SignalBase+g.curValue)
		}
	}
	g.nodes = make(map[uint64]*node)
	g.leaves = make(map[uint64]struct{})
	g.insertNext = 0
	g.plan = nil
	g.built = false
}

// NextID allocates a process-unique resource or node identifier.
// Exposed so that callers constructing Buffer/PresentingContext
// implementations can obtain ids from the same generator package
// uses internally, but nothing requires it; any source of stable
// unique uint64s works.
func NextID() uint64 { return idgen.Next() }
