// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package rgraph ties the render graph scheduler, submission pipeline
// and descriptor binding engine together into a single process-wide
// context: it selects and opens a driver.Driver, and owns the
// queue.Manager, finalizer.Queue and submit.Pipeline built on top of
// it so that callers need not wire those packages by hand.
package rgraph

import (
	"strings"
	"sync"

	"github.com/gviegas/rgraph/cmdbuf"
	"github.com/gviegas/rgraph/descriptor"
	"github.com/gviegas/rgraph/driver"
	_ "github.com/gviegas/rgraph/driver/vk"
	"github.com/gviegas/rgraph/finalizer"
	"github.com/gviegas/rgraph/graph"
	"github.com/gviegas/rgraph/queue"
	"github.com/gviegas/rgraph/submit"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Backend selects which driver.Driver Initialize looks for by name.
type Backend int

// Backends.
const (
	// Vulkan selects the first registered driver whose name contains
	// "vulkan".
	Vulkan Backend = iota
)

func (b Backend) match() string {
	switch b {
	case Vulkan:
		return "vulkan"
	default:
		return ""
	}
}

// Config configures Initialize. AppName and AppVersion are accepted
// but not used: Initialize does not pass them to the selected driver.
// FrameBufferCount bounds how many frames the submission pipeline
// allows in flight at once.
type Config struct {
	Backend          Backend
	AppName          string
	AppVersion       uint32
	FrameBufferCount int

	// Log receives the context's diagnostic output. If nil, a no-op
	// logger is used.
	Log *zap.Logger
}

// Context is the process-wide handle returned by Initialize. There is
// at most one live Context at a time; Initialize fails if one already
// exists.
type Context struct {
	drv driver.Driver
	gpu driver.GPU
	dev driver.SyncDevice

	qm  *queue.Manager
	sp  *queue.SemaphorePool
	fin *finalizer.Queue
	pl  *submit.Pipeline

	log *zap.SugaredLogger
}

var (
	mu  sync.Mutex
	ctx *Context
)

var errNoDriver = errors.New("rgraph: no matching driver found")
var errAlreadyInit = errors.New("rgraph: already initialized")
var errNotInit = errors.New("rgraph: not initialized")

// Initialize opens a GPU driver matching cfg.Backend and constructs
// the process-wide Context: a queue.Manager over the driver's queues,
// a finalizer.Queue, and a submit.Pipeline bounded to
// cfg.FrameBufferCount frames in flight, clamped to [1, 3]. It must
// be called at most once until a matching Shutdown.
func Initialize(cfg Config) (*Context, error) {
	mu.Lock()
	defer mu.Unlock()
	if ctx != nil {
		return nil, errAlreadyInit
	}

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	sugar := log.Sugar()

	fbc := cfg.FrameBufferCount
	switch {
	case fbc < 1:
		fbc = 1
	case fbc > 3:
		fbc = 3
	}

	drv, gpu, err := loadDriver(cfg.Backend.match())
	if err != nil {
		return nil, errors.Wrap(err, "rgraph: initialize failed")
	}

	dev, ok := gpu.(driver.SyncDevice)
	if !ok {
		drv.Close()
		return nil, errors.New("rgraph: driver GPU does not implement driver.SyncDevice")
	}

	fin := finalizer.New(fbc, log)
	qm := queue.New(dev)
	sp := queue.NewSemaphorePool(dev)
	pl := submit.New(dev, gpu, qm, sp, fin, fbc, log)

	c := &Context{
		drv: drv,
		gpu: gpu,
		dev: dev,
		qm:  qm,
		sp:  sp,
		fin: fin,
		pl:  pl,
		log: sugar,
	}
	ctx = c
	sugar.Infow("context initialized", "driver", drv.Name(), "framesInFlight", fbc)
	return c, nil
}

// loadDriver attempts to load any registered driver whose name
// contains name. It is case-sensitive; the empty string matches
// every driver.
func loadDriver(name string) (driver.Driver, driver.GPU, error) {
	drivers := driver.Drivers()
	err := error(errNoDriver)
	for i := range drivers {
		if !strings.Contains(drivers[i].Name(), name) {
			continue
		}
		var gpu driver.GPU
		if gpu, err = drivers[i].Open(); err != nil {
			continue
		}
		return drivers[i], gpu, nil
	}
	return nil, nil, err
}

// GPU returns the context's opened driver.GPU.
func (c *Context) GPU() driver.GPU { return c.gpu }

// SyncDevice returns the context's driver.SyncDevice.
func (c *Context) SyncDevice() driver.SyncDevice { return c.dev }

// Queues returns the context's queue.Manager.
func (c *Context) Queues() *queue.Manager { return c.qm }

// Semaphores returns the context's queue.SemaphorePool. Pass it to
// graph.Graph.Build as the plan's synchronization Backend so that
// BuildPerFrame graphs recycle their run semaphores across rebuilds.
func (c *Context) Semaphores() *queue.SemaphorePool { return c.sp }

// Finalizer returns the context's finalizer.Queue.
func (c *Context) Finalizer() *finalizer.Queue { return c.fin }

// Pipeline returns the context's submit.Pipeline.
func (c *Context) Pipeline() *submit.Pipeline { return c.pl }

// NewDescriptorPool creates a descriptor.Pool over the context's GPU
// from a sorted reflection slice. Sets allocated from the returned
// pool rotate against c.Pipeline(), which implements
// descriptor.FrameCounter.
func (c *Context) NewDescriptorPool(elems []descriptor.ReflectionElement) (*descriptor.Pool, error) {
	return descriptor.NewPool(c.gpu, elems)
}

// NewCommandBuffer creates a cmdbuf.CommandBuffer allocating its
// driver buffers from the context's GPU.
func (c *Context) NewCommandBuffer() *cmdbuf.CommandBuffer {
	return cmdbuf.New(c.gpu, c.log.Desugar())
}

// NewGraph creates an empty render graph for the given usage, logging
// through the context's logger. Build it against c.Semaphores().
func (c *Context) NewGraph(usage graph.Usage) *graph.Graph {
	return graph.New(usage, c.log.Desugar())
}

// Shutdown waits for the pipeline's outstanding submissions to
// retire, performs two forced finalizer passes, so that deferred
// destructions enqueued by the first pass's destructors drain in the
// second, then closes the driver and clears the process-wide Context
// so a subsequent Initialize may succeed.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if ctx == nil {
		return errNotInit
	}
	c := ctx

	if err := c.pl.Drain(); err != nil {
		c.log.Warnw("shutdown drain did not complete", "err", err)
	}
	c.fin.Iterate(true)
	c.fin.Iterate(true)
	c.sp.Drain()

	c.drv.Close()
	ctx = nil
	c.log.Infow("context shut down")
	return nil
}

// Current returns the process-wide Context, or nil if Initialize has
// not been called (or has been undone by Shutdown).
func Current() *Context {
	mu.Lock()
	defer mu.Unlock()
	return ctx
}
