// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package graph

// NodeBuilder accumulates the declarations for one graph node:
// either a command buffer or a presenting render context, its
// execution dependencies, and the per-encoder resource read/write
// declarations layered onto the buffer's already-recorded
// submissions.
//
// NodeBuilder follows the fluent style of the application-facing
// surface:
//
//	node := g.ConstructNewNode(buffer).
//		AddEncoderNode(graph.Graphics).
//		EncoderAddBufferRead(b).
//		AddExecDependency(other)
//	node.AddToGraph()
//
// A NodeBuilder is not safe for concurrent use; build one node at a
// time per goroutine, then call AddToGraph, which is the graph's
// sole serialization point.
type NodeBuilder struct {
	g    *Graph
	n    *node
	cur  int // cursor into n.buffer.Submissions()
	bad  bool
}

// ConstructNewNode starts building a node that wraps buffer.
func (g *Graph) ConstructNewNode(buffer Buffer) *NodeBuilder {
	return &NodeBuilder{
		g: g,
		n: &node{
			id:       buffer.ID(),
			buffer:   buffer,
			execDeps: make(map[uint64]struct{}),
		},
	}
}

// ConstructPresentingNode starts building a node that wraps a
// presenting render context. The node's id is taken from the
// context's command buffer, matching the Data Model's rule that a
// node with both a buffer and a presenting context is one node.
func (g *Graph) ConstructPresentingNode(ctx PresentingContext) *NodeBuilder {
	buf := ctx.CommandBuffer()
	return &NodeBuilder{
		g: g,
		n: &node{
			id:       buf.ID(),
			buffer:   buf,
			context:  ctx,
			execDeps: make(map[uint64]struct{}),
		},
	}
}

// AddEncoderNode advances the builder's cursor to the buffer's next
// recorded submission and asserts that its workload matches w. It
// must be called once per submission, in the order the submissions
// were recorded, before the corresponding EncoderAdd* calls.
func (b *NodeBuilder) AddEncoderNode(w Workload) *NodeBuilder {
	subs := b.n.buffer.Submissions()
	if b.cur >= len(subs) {
		b.g.log.Warnw("AddEncoderNode called more times than the buffer has recorded submissions",
			"bufferID", b.n.id)
		b.bad = true
		return b
	}
	if subs[b.cur].Workload != w {
		b.g.log.Warnw("AddEncoderNode workload does not match the recorded submission's workload",
			"bufferID", b.n.id, "want", subs[b.cur].Workload, "got", w)
		b.bad = true
		return b
	}
	b.cur++
	return b
}

// current returns the submission AddEncoderNode most recently
// advanced past, or nil if no call has succeeded yet.
func (b *NodeBuilder) current() *Submission {
	if b.bad || b.cur == 0 {
		return nil
	}
	return b.n.buffer.Submissions()[b.cur-1]
}

// EncoderAddBufferRead declares that the current encoder submission
// reads the resource identified by id.
func (b *NodeBuilder) EncoderAddBufferRead(id uint64) *NodeBuilder {
	return b.addRead(id)
}

// EncoderAddBufferWrite declares that the current encoder submission
// writes the resource identified by id.
func (b *NodeBuilder) EncoderAddBufferWrite(id uint64) *NodeBuilder {
	return b.addWrite(id)
}

// EncoderAddTextureRead declares that the current encoder submission
// reads the texture identified by id.
func (b *NodeBuilder) EncoderAddTextureRead(id uint64) *NodeBuilder {
	return b.addRead(id)
}

// EncoderAddTextureWrite declares that the current encoder submission
// writes the texture identified by id.
func (b *NodeBuilder) EncoderAddTextureWrite(id uint64) *NodeBuilder {
	return b.addWrite(id)
}

// FramebufferAttachment describes one color or depth/stencil
// attachment of a framebuffer for the purposes of
// EncoderAddFramebuffer: whether the render pass preserves (reads)
// its prior contents before writing new ones.
type FramebufferAttachment struct {
	TextureID uint64
	Preserve  bool
}

// EncoderAddFramebuffer declares reads and writes for every
// attachment of a framebuffer in one call, following the rule that a
// preserved attachment is both read and written while a cleared or
// don't-care attachment is write-only.
func (b *NodeBuilder) EncoderAddFramebuffer(attachments []FramebufferAttachment) *NodeBuilder {
	for _, a := range attachments {
		if a.Preserve {
			b.addRead(a.TextureID)
		}
		b.addWrite(a.TextureID)
	}
	return b
}

func (b *NodeBuilder) addRead(id uint64) *NodeBuilder {
	s := b.current()
	if s == nil {
		b.g.log.Warnw("encoder resource declaration with no active encoder node", "bufferID", b.n.id)
		return b
	}
	s.Reads[id] = struct{}{}
	return b
}

func (b *NodeBuilder) addWrite(id uint64) *NodeBuilder {
	s := b.current()
	if s == nil {
		b.g.log.Warnw("encoder resource declaration with no active encoder node", "bufferID", b.n.id)
		return b
	}
	s.Writes[id] = struct{}{}
	return b
}

// AddExecDependency declares that this node must be ordered after
// other in submission_order. other need not already be present in
// the graph; validity is checked at AddToGraph time (the dependency
// list only names ids, matching the Data Model).
func (b *NodeBuilder) AddExecDependency(other Buffer) *NodeBuilder {
	b.n.execDeps[other.ID()] = struct{}{}
	return b
}

// AddToGraph registers the node with the graph that created this
// builder. It fails (logs and returns false) if the node's id is
// already present, or if any declared exec dependency references a
// node not yet in the graph. Nodes are process ordered by insertion;
// ties in submission_order are broken by that order.
func (b *NodeBuilder) AddToGraph() bool {
	return b.addTo(b.g)
}

// addTo registers the node with an explicitly given graph, for the
// rare case where a NodeBuilder is constructed once and reused
// against a different Graph instance than the one it was built from.
func (b *NodeBuilder) addTo(g *Graph) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b.n.buffer == nil {
		g.log.Warn("adding a node to the render graph with a nil command buffer")
		return false
	}
	id := b.n.id
	if _, exists := g.nodes[id]; exists {
		g.log.Warnw("adding a node to the render graph that was already added", "bufferID", id)
		return false
	}
	for dep := range b.n.execDeps {
		if _, ok := g.nodes[dep]; !ok {
			g.log.Warnw("add_exec_dependency references an unknown node", "bufferID", id, "dependsOn", dep)
			return false
		}
	}

	b.n.insertOrder = g.insertNext
	g.insertNext++
	g.nodes[id] = b.n
	g.leaves[id] = struct{}{}
	for dep := range b.n.execDeps {
		delete(g.leaves, dep)
	}
	g.built = false
	return true
}

// AddExecDependency adds an edge between two nodes already present
// in the graph: buffer depends on dependsOn. It is the
// already-added-node counterpart to NodeBuilder.AddExecDependency,
// for callers that wire dependencies after a node has already been
// committed to the graph.
func (g *Graph) AddExecDependency(buffer, dependsOn Buffer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bufNode, ok := g.nodes[buffer.ID()]
	if !ok {
		g.log.Warnw("AddExecDependency buffer is not in graph", "bufferID", buffer.ID())
		return
	}
	if _, ok := g.nodes[dependsOn.ID()]; !ok {
		g.log.Warnw("AddExecDependency dependsOn is not in graph", "dependsOnID", dependsOn.ID())
		return
	}

	delete(g.leaves, dependsOn.ID())
	bufNode.execDeps[dependsOn.ID()] = struct{}{}
	g.built = false
}
